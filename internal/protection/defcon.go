// Package protection holds the chat defense state: the defcon level
// with its feature bundles, the panic detector, the bot permission
// snapshot, and the protection profiles.
package protection

// Level is the admin-facing defense posture. Higher levels enable more
// restrictive content filters.
type Level int

const (
	LevelPeaceful   Level = 1
	LevelStrict     Level = 2
	LevelMartialLaw Level = 3
)

func (l Level) Valid() bool {
	return l >= LevelPeaceful && l <= LevelMartialLaw
}

func (l Level) String() string {
	switch l {
	case LevelPeaceful:
		return "peaceful"
	case LevelStrict:
		return "strict"
	case LevelMartialLaw:
		return "martial_law"
	default:
		return "unknown"
	}
}

// Features is the filter bundle active at a given level.
type Features struct {
	AntiSpamLinks    bool
	ProfanityFilter  bool
	StickerLimit     int
	BlockForwards    bool
	NewMemberLockout bool
	HardChallenge    bool
}

var levelFeatures = map[Level]Features{
	LevelPeaceful: {
		AntiSpamLinks: true,
	},
	LevelStrict: {
		AntiSpamLinks:   true,
		ProfanityFilter: true,
		StickerLimit:    3,
		BlockForwards:   true,
	},
	LevelMartialLaw: {
		AntiSpamLinks:    true,
		ProfanityFilter:  true,
		StickerLimit:     3,
		BlockForwards:    true,
		NewMemberLockout: true,
		HardChallenge:    true,
	},
}

// FeaturesFor returns the filter bundle for a level. Panic overlays the
// martial-law bundle without touching the stored level, so the posture
// an admin chose is restored untouched when the emergency ends.
func FeaturesFor(level Level, panicActive bool) Features {
	if panicActive {
		return levelFeatures[LevelMartialLaw]
	}
	f, ok := levelFeatures[level]
	if !ok {
		return levelFeatures[LevelPeaceful]
	}
	return f
}
