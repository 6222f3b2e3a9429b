// Package abuse covers content and member screening: the spam
// classifier, the new-member scanner, and silent bans.
package abuse

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Spam categories reported by the classifier.
const (
	CategorySelling       = "selling"
	CategoryCrypto        = "crypto"
	CategoryJobOffer      = "job_offer"
	CategoryCollaboration = "collaboration"
	CategoryUnknown       = "unknown"
)

const (
	patternWeight = 0.7
	keywordWeight = 0.3
)

type spamPattern struct {
	name   string
	re     *regexp.Regexp
	weight float64
}

var spamPatterns = map[string][]spamPattern{
	CategorySelling: {
		{"sell_account_ru", regexp.MustCompile(`прода[юём]\s*(акк|аккаунт|профиль)`), 0.8},
		{"buy_account_ru", regexp.MustCompile(`куп(лю|им)\s*(акк|аккаунт|профиль)`), 0.7},
		{"account_sale_ru", regexp.MustCompile(`(акк|аккаунт)\s*(на\s*)?прода(жу|ж[ае])`), 0.8},
		{"cheap_account_ru", regexp.MustCompile(`дёшев[оа]\s*(акк|аккаунт)`), 0.7},
		{"sell_account_en", regexp.MustCompile(`sell(ing)?\s*(my\s*)?(account|acc)`), 0.8},
		{"buy_account_en", regexp.MustCompile(`buy(ing)?\s*(an?\s*)?(account|acc)`), 0.7},
		{"account_for_sale", regexp.MustCompile(`account\s*(for\s*)?sale`), 0.8},
		{"selling_generic", regexp.MustCompile(`(прода[юём]|sell(ing)?)\s*[!.]+`), 0.5},
		{"price_tag", regexp.MustCompile(`(цена|price|стоимость)[:\s]*\d+\s*(руб|₽|\$|usd|usdt)`), 0.6},
	},
	CategoryCrypto: {
		{"crypto_earn_ru", regexp.MustCompile(`заработ(ок|ай|ать)\s*(на\s*)?(крипт|биткоин|btc|eth)`), 0.9},
		{"crypto_invest_ru", regexp.MustCompile(`инвести(ции|руй)\s*(в\s*)?(крипт|биткоин|btc)`), 0.8},
		{"crypto_profit_ru", regexp.MustCompile(`(доход|прибыль)\s*\d+%?\s*(в\s*)?(день|месяц|неделю)`), 0.9},
		{"crypto_signal_ru", regexp.MustCompile(`(сигнал[ыи]|торгов[ыа]я?\s*бот)`), 0.7},
		{"crypto_earn_en", regexp.MustCompile(`earn\s*(money\s*)?(with\s*)?(crypto|bitcoin|btc|eth)`), 0.9},
		{"crypto_invest_en", regexp.MustCompile(`invest\s*(in\s*)?(crypto|bitcoin|btc)`), 0.8},
		{"crypto_profit_en", regexp.MustCompile(`(profit|income|return)\s*\d+%?\s*(per\s*)?(day|month|week)`), 0.9},
		{"crypto_signal_en", regexp.MustCompile(`(trading\s*)?signals?\s*(group|channel)`), 0.7},
		{"wallet_address", regexp.MustCompile(`(wallet|кошел[её]к)[:\s]*[a-zA-Z0-9]{30,}`), 0.8},
		{"send_crypto", regexp.MustCompile(`(отправ|send|transfer)\s*(btc|eth|usdt|крипт)`), 0.7},
	},
	CategoryJobOffer: {
		{"remote_work_ru", regexp.MustCompile(`(удал[её]нн?ая?\s*работа|работа\s*из\s*дома)`), 0.5},
		{"easy_money_ru", regexp.MustCompile(`(л[её]гк(ий|ие)\s*деньги|быстр(ый|ые)\s*заработок)`), 0.8},
		{"no_exp_ru", regexp.MustCompile(`(без\s*опыта|опыт\s*не\s*требуется)`), 0.4},
		{"high_salary_ru", regexp.MustCompile(`(зарплата|доход|оклад)\s*(от\s*)?\d{3,}\s*(тыс|k|\$|руб)`), 0.6},
		{"vacancy_spam_ru", regexp.MustCompile(`(вакансия|набор|требуются)\s*(срочно|сейчас)`), 0.6},
		{"remote_work_en", regexp.MustCompile(`(remote\s*work|work\s*from\s*home)`), 0.5},
		{"easy_money_en", regexp.MustCompile(`(easy\s*money|quick\s*cash|fast\s*income)`), 0.8},
		{"no_exp_en", regexp.MustCompile(`(no\s*experience|experience\s*not\s*required)`), 0.4},
		{"high_salary_en", regexp.MustCompile(`(salary|income)\s*(from\s*)?\$?\d{3,}\s*(k|per\s*month)?`), 0.6},
	},
	CategoryCollaboration: {
		{"collab_ru", regexp.MustCompile(`(предлага[юе]м?\s*сотрудничество|взаимопиар)`), 0.6},
		{"promo_ru", regexp.MustCompile(`(рекламн(ое|ая)\s*предложение|размести(м|ть)\s*рекламу)`), 0.7},
		{"partnership_ru", regexp.MustCompile(`(партн[её]рск(ая|ое)|партн[её]рство)`), 0.5},
		{"dm_me_ru", regexp.MustCompile(`(пиши(те)?\s*(в\s*)?(лс|личк|дм|pm))`), 0.6},
		{"collab_en", regexp.MustCompile(`(offer(ing)?\s*collaboration|mutual\s*promo)`), 0.6},
		{"promo_en", regexp.MustCompile(`(promo(tion)?\s*offer|advertis(e|ing)\s*with\s*us)`), 0.7},
		{"partnership_en", regexp.MustCompile(`(partnership\s*offer|become\s*partner)`), 0.5},
		{"dm_me_en", regexp.MustCompile(`(dm\s*me|message\s*me|contact\s*(me\s*)?privately)`), 0.6},
	},
}

var spamKeywords = map[string]float64{
	"заработок":          0.3,
	"доход":              0.2,
	"прибыль":            0.3,
	"бесплатно":          0.2,
	"гарантия":           0.2,
	"срочно":             0.2,
	"акция":              0.2,
	"скидка":             0.1,
	"успей":              0.3,
	"только сегодня":     0.4,
	"пассивный доход":    0.5,
	"финансовая свобода": 0.4,
	"earn":               0.2,
	"profit":             0.3,
	"income":             0.2,
	"free":               0.1,
	"guarantee":          0.2,
	"urgent":             0.2,
	"limited":            0.2,
	"discount":           0.1,
	"hurry":              0.3,
	"today only":         0.4,
	"passive income":     0.5,
	"financial freedom":  0.4,
}

type Verdict struct {
	IsSpam     bool
	Confidence float64
	Category   string
	Matched    []string
}

// Classifier scores message text against weighted regex patterns plus a
// keyword list. Pattern hits dominate the score; keywords only nudge
// it.
type Classifier struct {
	threshold float64
}

func NewClassifier(threshold float64) *Classifier {
	return &Classifier{threshold: threshold}
}

func (c *Classifier) Classify(text string) Verdict {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return Verdict{Category: CategoryUnknown}
	}

	categoryScores := map[string]float64{}
	var matched []string
	for category, patterns := range spamPatterns {
		for _, p := range patterns {
			if p.re.MatchString(text) {
				categoryScores[category] += p.weight
				matched = append(matched, category+":"+p.name)
			}
		}
	}

	var keywordScore float64
	for kw, w := range spamKeywords {
		if strings.Contains(text, kw) {
			keywordScore += w
		}
	}

	var patternScore float64
	category := CategoryUnknown
	var best float64
	for cat, score := range categoryScores {
		patternScore += score
		if score > best || (score == best && cat < category) {
			best = score
			category = cat
		}
	}

	confidence := patternScore*patternWeight + keywordScore*keywordWeight
	if confidence > 1 {
		confidence = 1
	}

	return Verdict{
		IsSpam:     confidence >= c.threshold,
		Confidence: confidence,
		Category:   category,
		Matched:    matched,
	}
}

// HashMessage fingerprints text for logs so spam content never lands in
// them verbatim.
func HashMessage(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}
