package chat

import "time"

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DirectChatID is the reserved conversation key for persona-less chat.
const DirectChatID = "direct_chat"

const (
	// MaxRetainedMessages caps durable history per conversation; oldest
	// messages are evicted first once the cap is exceeded.
	MaxRetainedMessages = 100

	// HistoryWindow is the number of trailing messages sent to the backend
	// as conversation history.
	HistoryWindow = 20
)

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ModelUsed string    `json:"modelUsed,omitempty"`
}

// Context holds the persisted persona state for one conversation key.
type Context struct {
	SystemPrompt string    `json:"systemPrompt"`
	Memory       string    `json:"memory"`
	UpdatedAt    time.Time `json:"updatedAt,omitempty"`
}

// Settings is the global generation configuration singleton.
type Settings struct {
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"maxTokens"`
	Theme            string  `json:"theme"`
	SoundEnabled     bool    `json:"soundEnabled"`
	StreamingEnabled bool    `json:"streamingEnabled"`
}

// DefaultSettings returns the settings used when none have been saved.
func DefaultSettings() Settings {
	return Settings{
		Model:            "dolphin-mistral",
		Temperature:      0.8,
		MaxTokens:        512,
		Theme:            "dark",
		SoundEnabled:     true,
		StreamingEnabled: true,
	}
}

// Character is reference catalog data; the engine only reads it to seed a
// conversation's Context on first open.
type Character struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Emoji        string    `json:"emoji"`
	Tagline      string    `json:"tagline"`
	SystemPrompt string    `json:"systemPrompt"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// DefaultCharacters returns the seed catalog used when storage is empty.
func DefaultCharacters() []Character {
	now := time.Now()
	return []Character{
		{
			ID:      "aria_voss_001",
			Name:    "Aria Voss",
			Emoji:   "🚀",
			Tagline: "Wry starship captain with a past",
			SystemPrompt: "You are Aria Voss, captain of the freighter Kestrel. " +
				"Personality: dry wit, fiercely loyal, allergic to authority. " +
				"Style: short clipped sentences, spacer slang, deflect personal questions with humor. " +
				"Stay in character at all times.",
			CreatedAt: now,
		},
		{
			ID:      "professor_finch_002",
			Name:    "Professor Finch",
			Emoji:   "📚",
			Tagline: "Absent-minded scholar of forgotten languages",
			SystemPrompt: "You are Professor Edmund Finch, a linguist obsessed with dead languages. " +
				"Personality: enthusiastic, easily sidetracked, kind. " +
				"Style: long digressions, etymological asides, frequent apologies for rambling. " +
				"Stay in character at all times.",
			CreatedAt: now,
		},
		{
			ID:      "nyx_003",
			Name:    "Nyx",
			Emoji:   "🌙",
			Tagline: "Enigmatic oracle who speaks in riddles",
			SystemPrompt: "You are Nyx, an oracle dwelling between dreams. " +
				"Personality: serene, cryptic, quietly amused by mortals. " +
				"Style: poetic imagery, answers questions with questions, never breaks composure. " +
				"Stay in character at all times.",
			CreatedAt: now,
		},
	}
}

// CharacterByID looks up a character in a catalog. Returns false for the
// direct-chat key or any unknown id.
func CharacterByID(catalog []Character, id string) (Character, bool) {
	for _, c := range catalog {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}
