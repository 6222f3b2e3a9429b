package telegram

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"citadelbot/internal/abuse"
	"citadelbot/internal/guard"
	"citadelbot/internal/metrics"
	"citadelbot/internal/protection"
	"citadelbot/internal/queue"
	"citadelbot/internal/ratelimit"
	"citadelbot/internal/reputation"
	"citadelbot/internal/storage"
)

type Service struct {
	store         *storage.Store
	queue         *queue.StreamQueue
	engine        *guard.Engine
	detector      *protection.Detector
	profiles      *protection.ProfileManager
	ledger        *reputation.Ledger
	quota         *ratelimit.QuotaLimiter
	bans          *abuse.SilentBans
	challenges    *challengeStore
	redis         *redis.Client
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	adminCacheTTL time.Duration
	joinerWindow  time.Duration
	botUsername   string
	adminUserID   int64
}

type Config struct {
	Store         *storage.Store
	Queue         *queue.StreamQueue
	Engine        *guard.Engine
	Detector      *protection.Detector
	Profiles      *protection.ProfileManager
	Ledger        *reputation.Ledger
	Quota         *ratelimit.QuotaLimiter
	Bans          *abuse.SilentBans
	Redis         *redis.Client
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	AdminCacheTTL time.Duration
	ChallengeTTL  time.Duration
	JoinerWindow  time.Duration
	BotUsername   string
	AdminUserID   int64
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 10 * time.Minute
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = time.Hour
	}
	if cfg.JoinerWindow <= 0 {
		cfg.JoinerWindow = 24 * time.Hour
	}
	return &Service{
		store:         cfg.Store,
		queue:         cfg.Queue,
		engine:        cfg.Engine,
		detector:      cfg.Detector,
		profiles:      cfg.Profiles,
		ledger:        cfg.Ledger,
		quota:         cfg.Quota,
		bans:          cfg.Bans,
		challenges:    newChallengeStore(cfg.Redis, cfg.ChallengeTTL),
		redis:         cfg.Redis,
		logger:        cfg.Logger,
		metrics:       m,
		adminCacheTTL: cfg.AdminCacheTTL,
		joinerWindow:  cfg.JoinerWindow,
		botUsername:   cfg.BotUsername,
		adminUserID:   cfg.AdminUserID,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("status", s.status))
	d.AddHandler(handlers.NewCommand("defcon", s.defcon))
	d.AddHandler(handlers.NewCommand("profile", s.profile))
	d.AddHandler(handlers.NewCommand("panic_off", s.panicOff))
	d.AddHandler(handlers.NewCommand("quota", s.quotaCmd))
	d.AddHandler(handlers.NewCommand("rep", s.rep))
	d.AddHandler(handlers.NewCommand("warn", s.warn))
	d.AddHandler(handlers.NewCommand("mute", s.mute))
	d.AddHandler(handlers.NewCommand("award", s.award))
	d.AddHandler(handlers.NewCommand("unban", s.unban))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return len(msg.NewChatMembers) > 0
	}, s.onJoin))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	}, s.onGroupMessage))
}

func (s *Service) deepLink(bot *gotgbot.Bot, param string) string {
	username := s.botUsername
	if username == "" {
		username = bot.User.Username
	}
	if strings.TrimSpace(username) == "" {
		return ""
	}
	return "https://t.me/" + username + "?start=" + url.QueryEscape(param)
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func (s *Service) ensureChat(ctx context.Context, msg *gotgbot.Message) {
	_ = s.store.EnsureChat(ctx, msg.Chat.Id, msg.Chat.Type, msg.Chat.Title)
}
