package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"citadelbot/internal/metrics"
	"citadelbot/internal/protection"
	"citadelbot/internal/queue"
	"citadelbot/internal/storage"
)

// restrictedPermissions is the read-only permission set placed on
// restricted members.
var restrictedPermissions = gotgbot.ChatPermissions{}

// liftedPermissions is what a member gets back after passing the
// challenge. Change-info and pin stay with the admins.
var liftedPermissions = gotgbot.ChatPermissions{
	CanSendMessages:       true,
	CanSendAudios:         true,
	CanSendDocuments:      true,
	CanSendPhotos:         true,
	CanSendVideos:         true,
	CanSendVideoNotes:     true,
	CanSendVoiceNotes:     true,
	CanSendPolls:          true,
	CanSendOtherMessages:  true,
	CanAddWebPagePreviews: true,
	CanInviteUsers:        true,
}

// Worker drains the moderation queue and executes restrict, delete and
// delete-and-ban jobs against Telegram. Every destructive call is
// checked against the permission snapshot first; a denial drops the job
// and leaves a single quiet note for the chat admins.
type Worker struct {
	bot           *gotgbot.Bot
	store         *storage.Store
	queue         *queue.StreamQueue
	oracle        *protection.Oracle
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Bot           *gotgbot.Bot
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Oracle        *protection.Oracle
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		bot:           cfg.Bot,
		store:         cfg.Store,
		queue:         cfg.Queue,
		oracle:        cfg.Oracle,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.processJob(ctx, msg.Job)
			if err == nil {
				w.metrics.ProcessedJobs.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.FailedJobs.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack failed message")
			}
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.ModerationJob) error {
	switch job.Action {
	case queue.ActionDelete:
		return w.deleteMessage(ctx, job)
	case queue.ActionRestrict:
		return w.restrictMember(ctx, job)
	case queue.ActionUnrestrict:
		return w.unrestrictMember(ctx, job)
	case queue.ActionDeleteAndBan:
		return w.deleteAndBan(ctx, job)
	default:
		w.logger.Warn().Str("action", job.Action).Str("job_id", job.JobID).Msg("unknown moderation action dropped")
		return nil
	}
}

func (w *Worker) deleteMessage(ctx context.Context, job queue.ModerationJob) error {
	if job.MessageID == 0 {
		return nil
	}
	ok, err := w.allowed(ctx, job, protection.CapDeleteMessages)
	if err != nil || !ok {
		return err
	}

	if _, err := w.bot.DeleteMessageWithContext(ctx, job.ChatID, job.MessageID, nil); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	w.metrics.MessagesDeleted.Inc()
	w.audit(ctx, job, "message_deleted")
	return nil
}

func (w *Worker) restrictMember(ctx context.Context, job queue.ModerationJob) error {
	ok, err := w.allowed(ctx, job, protection.CapRestrictMembers)
	if err != nil || !ok {
		return err
	}

	opts := &gotgbot.RestrictChatMemberOpts{}
	if job.UntilUnix > 0 {
		opts.UntilDate = job.UntilUnix
	}
	if _, err := w.bot.RestrictChatMemberWithContext(ctx, job.ChatID, job.UserID, restrictedPermissions, opts); err != nil {
		return fmt.Errorf("restrict member: %w", err)
	}
	w.audit(ctx, job, "member_restricted")
	return nil
}

func (w *Worker) unrestrictMember(ctx context.Context, job queue.ModerationJob) error {
	ok, err := w.allowed(ctx, job, protection.CapRestrictMembers)
	if err != nil || !ok {
		return err
	}

	if _, err := w.bot.RestrictChatMemberWithContext(ctx, job.ChatID, job.UserID, liftedPermissions, nil); err != nil {
		return fmt.Errorf("unrestrict member: %w", err)
	}
	w.audit(ctx, job, "member_unrestricted")
	return nil
}

// deleteAndBan executes the spam response as one unit: the offending
// message goes and so does its sender. Permission for both halves is
// checked up front so a missing right never strands half the response.
// The ban lands first; re-banning is a no-op, so a retry after a
// transient delete failure converges instead of stranding the ban
// behind a message that is already gone.
func (w *Worker) deleteAndBan(ctx context.Context, job queue.ModerationJob) error {
	canDelete, err := w.allowed(ctx, job, protection.CapDeleteMessages)
	if err != nil || !canDelete {
		return err
	}
	canBan, err := w.allowed(ctx, job, protection.CapBanMembers)
	if err != nil || !canBan {
		return err
	}

	if _, err := w.bot.BanChatMemberWithContext(ctx, job.ChatID, job.UserID, nil); err != nil {
		return fmt.Errorf("ban spammer: %w", err)
	}
	if job.MessageID > 0 {
		if _, err := w.bot.DeleteMessageWithContext(ctx, job.ChatID, job.MessageID, nil); err != nil {
			if !messageGone(err) {
				return fmt.Errorf("delete spam message: %w", err)
			}
		} else {
			w.metrics.MessagesDeleted.Inc()
		}
	}
	w.audit(ctx, job, "spam_removed")
	return nil
}

// messageGone reports whether a delete failed because the message no
// longer exists, which counts as done for moderation purposes.
func messageGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to delete not found") ||
		strings.Contains(msg, "message can't be deleted")
}

// allowed runs the permission check for a destructive action. Denials
// are terminal for the job: it is dropped after one admin notice, never
// retried into a visible error in the chat.
func (w *Worker) allowed(ctx context.Context, job queue.ModerationJob, cap protection.Capability) (bool, error) {
	ok, err := w.oracle.CanPerform(ctx, w.bot, job.ChatID, cap, time.Now())
	if err != nil {
		w.logger.Warn().Err(err).Int64("chat_id", job.ChatID).Str("capability", string(cap)).Msg("permission check failed, dropping job")
		w.notifyAdmins(ctx, job, cap)
		return false, nil
	}
	if !ok {
		w.logger.Warn().Int64("chat_id", job.ChatID).Str("capability", string(cap)).Str("reason", job.Reason).Msg("missing permission, dropping job")
		w.notifyAdmins(ctx, job, cap)
		return false, nil
	}
	return true, nil
}

// notifyAdmins sends one quiet note to the chat administrators about a
// skipped action. Nothing is posted in the chat itself.
func (w *Worker) notifyAdmins(ctx context.Context, job queue.ModerationJob, cap protection.Capability) {
	admins, err := w.bot.GetChatAdministratorsWithContext(ctx, job.ChatID, nil)
	if err != nil {
		w.logger.Warn().Err(err).Int64("chat_id", job.ChatID).Msg("admin list unavailable for notice")
		return
	}
	text := fmt.Sprintf("Skipped a %s action in chat %d: the bot lacks the %s right.", job.Action, job.ChatID, cap)
	for _, a := range admins {
		m := a.MergeChatMember()
		if m.User.IsBot {
			continue
		}
		if _, err := w.bot.SendMessageWithContext(ctx, m.User.Id, text, nil); err == nil {
			// one note is enough
			return
		}
	}
}

func (w *Worker) audit(ctx context.Context, job queue.ModerationJob, action string) {
	meta, _ := json.Marshal(map[string]any{
		"job_id":     job.JobID,
		"reason":     job.Reason,
		"message_id": job.MessageID,
	})
	if err := w.store.LogAction(ctx, storage.AuditEntry{
		ChatID:   job.ChatID,
		UserID:   job.UserID,
		Action:   action,
		MetaJSON: string(meta),
	}); err != nil {
		w.logger.Warn().Err(err).Int64("chat_id", job.ChatID).Msg("audit write failed")
	}
}
