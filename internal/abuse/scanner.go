package abuse

import (
	"strings"
	"unicode"
)

// Member scan score weights.
const (
	scoreNoAvatar     = 0.4
	scoreRTLChars     = 0.2
	scoreUnusualRunes = 0.15
	scoreSpamWords    = 0.25
	scoreSpecialChars = 0.1
	scoreNumberHeavy  = 0.1
	scorePremium      = -0.3
)

// Scan flags.
const (
	FlagNoAvatar     = "no_avatar"
	FlagRTLChars     = "rtl_chars"
	FlagUnusualRunes = "unusual_runes"
	FlagSpamWords    = "spam_words"
	FlagSpecialChars = "special_chars"
	FlagNumberHeavy  = "number_heavy"
	FlagPremium      = "premium_user"
)

var nameSpamWords = []string{
	"заработок", "доход", "прибыль", "инвестиции", "крипто", "биткоин",
	"казино", "ставки", "бонус", "акция", "скидка", "бесплатно",
	"работа", "вакансия", "удаленно", "реклама", "продвижение",
	"канал", "подписка", "розыгрыш", "приз", "выигрыш",
	"earn", "profit", "income", "invest", "crypto", "bitcoin",
	"casino", "betting", "bonus", "promo", "discount", "free",
	"job", "vacancy", "remote", "ads", "promotion",
	"channel", "subscribe", "giveaway", "prize", "winner",
	"bot", "admin", "support", "official", "verify", "verified",
	"manager", "helper", "assistant", "service",
}

type runeRange struct{ lo, hi rune }

var rtlRanges = []runeRange{
	{0x0590, 0x05FF}, // Hebrew
	{0x0600, 0x06FF}, // Arabic
	{0x0700, 0x074F}, // Syriac
	{0x0750, 0x077F}, // Arabic Supplement
	{0x08A0, 0x08FF}, // Arabic Extended-A
	{0xFB50, 0xFDFF}, // Arabic Presentation Forms-A
	{0xFE70, 0xFEFF}, // Arabic Presentation Forms-B
}

var unusualRanges = []runeRange{
	{0x13000, 0x1342F}, // Egyptian Hieroglyphs
	{0x14400, 0x1467F}, // Anatolian Hieroglyphs
	{0x16800, 0x16A3F}, // Bamum Supplement
	{0x1B000, 0x1B0FF}, // Kana Supplement
	{0x1F300, 0x1F5FF}, // pictograph block
}

// Profile is the subset of a member's account the scanner looks at.
type Profile struct {
	DisplayName string
	HasAvatar   bool
	IsPremium   bool
}

type ScanResult struct {
	Score     float64
	Flags     []string
	SilentBan bool
	Challenge bool
}

// Scanner scores a joining member's profile for bot and spam-account
// signals. It works on profile data alone and never blocks on the API.
type Scanner struct {
	silentBanScore float64
	challengeScore float64
}

func NewScanner(silentBanScore, challengeScore float64) *Scanner {
	return &Scanner{silentBanScore: silentBanScore, challengeScore: challengeScore}
}

func (s *Scanner) Scan(p Profile) ScanResult {
	var flags []string

	if !p.HasAvatar {
		flags = append(flags, FlagNoAvatar)
	}
	flags = append(flags, nameFlags(p.DisplayName)...)
	if p.IsPremium {
		flags = append(flags, FlagPremium)
	}

	score := scoreFlags(flags)
	return ScanResult{
		Score:     score,
		Flags:     flags,
		SilentBan: score >= s.silentBanScore,
		Challenge: score >= s.challengeScore && score < s.silentBanScore,
	}
}

func nameFlags(name string) []string {
	if name == "" {
		return nil
	}
	var flags []string
	lower := strings.ToLower(name)

	if containsRange(name, rtlRanges) {
		flags = append(flags, FlagRTLChars)
	}
	if containsRange(name, unusualRanges) {
		flags = append(flags, FlagUnusualRunes)
	}
	for _, w := range nameSpamWords {
		if strings.Contains(lower, w) {
			flags = append(flags, FlagSpamWords)
			break
		}
	}
	if specialCharRatio(name) > 0.3 {
		flags = append(flags, FlagSpecialChars)
	}
	if digitRatio(name) > 0.4 {
		flags = append(flags, FlagNumberHeavy)
	}
	return flags
}

func scoreFlags(flags []string) float64 {
	var score float64
	for _, f := range flags {
		switch f {
		case FlagNoAvatar:
			score += scoreNoAvatar
		case FlagRTLChars:
			score += scoreRTLChars
		case FlagUnusualRunes:
			score += scoreUnusualRunes
		case FlagSpamWords:
			score += scoreSpamWords
		case FlagSpecialChars:
			score += scoreSpecialChars
		case FlagNumberHeavy:
			score += scoreNumberHeavy
		case FlagPremium:
			score += scorePremium
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func containsRange(text string, ranges []runeRange) bool {
	for _, r := range text {
		for _, rr := range ranges {
			if r >= rr.lo && r <= rr.hi {
				return true
			}
		}
	}
	return false
}

func specialCharRatio(text string) float64 {
	var special, total int
	for _, r := range text {
		total++
		if unicode.IsSymbol(r) || unicode.IsPunct(r) {
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}

func digitRatio(text string) float64 {
	var digits, total int
	for _, r := range text {
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(digits) / float64(total)
}
