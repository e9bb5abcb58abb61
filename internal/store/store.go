// Package store persists the four application partitions (characters,
// contexts, chats, settings) through a pluggable key-value driver. Reads are
// best-effort: a missing or corrupt partition resolves to its default value
// rather than an error.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"CharChat/internal/chat"
)

// Partition keys
const (
	keyCharacters = "characters"
	keyContexts   = "contexts"
	keyChats      = "chats"
	keySettings   = "settings"
)

// Store wraps a KV driver with typed partition accessors.
type Store struct {
	kv     KV
	logger *slog.Logger
}

// New creates a Store over the given driver.
func New(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger}
}

// Close closes the underlying driver.
func (s *Store) Close() error {
	return s.kv.Close()
}

// read unmarshals the partition at key into out. Returns false (and logs)
// when the partition is absent or unreadable; the caller supplies defaults.
func (s *Store) read(ctx context.Context, key string, out any) bool {
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn("failed to read partition, using defaults", "partition", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("corrupt partition, using defaults", "partition", key, "error", err)
		return false
	}
	return true
}

func (s *Store) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, key, data)
}

// Characters returns the character catalog, seeding the defaults when none
// have been saved.
func (s *Store) Characters(ctx context.Context) []chat.Character {
	var characters []chat.Character
	if !s.read(ctx, keyCharacters, &characters) {
		return chat.DefaultCharacters()
	}
	return characters
}

// SaveCharacters replaces the character catalog.
func (s *Store) SaveCharacters(ctx context.Context, characters []chat.Character) error {
	return s.write(ctx, keyCharacters, characters)
}

// Contexts returns all saved conversation contexts keyed by character id.
func (s *Store) Contexts(ctx context.Context) map[string]chat.Context {
	contexts := map[string]chat.Context{}
	s.read(ctx, keyContexts, &contexts)
	if contexts == nil {
		contexts = map[string]chat.Context{}
	}
	return contexts
}

// ContextFor returns the saved context for one conversation key. The second
// result reports whether a context has ever been saved for the key; callers
// use it to seed the character default exactly once.
func (s *Store) ContextFor(ctx context.Context, characterID string) (chat.Context, bool) {
	contexts := s.Contexts(ctx)
	c, ok := contexts[characterID]
	return c, ok
}

// SaveContext saves the context for one conversation key, stamping UpdatedAt.
func (s *Store) SaveContext(ctx context.Context, characterID string, c chat.Context) error {
	contexts := s.Contexts(ctx)
	c.UpdatedAt = time.Now()
	contexts[characterID] = c
	return s.write(ctx, keyContexts, contexts)
}

// Chats returns all conversations keyed by character id.
func (s *Store) Chats(ctx context.Context) map[string][]chat.Message {
	chats := map[string][]chat.Message{}
	s.read(ctx, keyChats, &chats)
	if chats == nil {
		chats = map[string][]chat.Message{}
	}
	return chats
}

// ChatFor returns the conversation for one key, empty when none exists.
func (s *Store) ChatFor(ctx context.Context, characterID string) []chat.Message {
	return s.Chats(ctx)[characterID]
}

// AppendMessage appends one message to a conversation, evicting the oldest
// messages once the retained cap is exceeded.
func (s *Store) AppendMessage(ctx context.Context, characterID string, msg chat.Message) error {
	chats := s.Chats(ctx)
	history := append(chats[characterID], msg)
	if len(history) > chat.MaxRetainedMessages {
		history = history[len(history)-chat.MaxRetainedMessages:]
	}
	chats[characterID] = history
	return s.write(ctx, keyChats, chats)
}

// SetChat replaces one conversation wholesale, applying the retained cap.
func (s *Store) SetChat(ctx context.Context, characterID string, messages []chat.Message) error {
	if len(messages) > chat.MaxRetainedMessages {
		messages = messages[len(messages)-chat.MaxRetainedMessages:]
	}
	chats := s.Chats(ctx)
	chats[characterID] = messages
	return s.write(ctx, keyChats, chats)
}

// ClearChat empties one conversation.
func (s *Store) ClearChat(ctx context.Context, characterID string) error {
	return s.SetChat(ctx, characterID, []chat.Message{})
}

// Settings returns the generation settings singleton, defaulting when unset.
func (s *Store) Settings(ctx context.Context) chat.Settings {
	settings := chat.DefaultSettings()
	s.read(ctx, keySettings, &settings)
	return settings
}

// SaveSettings replaces the settings singleton.
func (s *Store) SaveSettings(ctx context.Context, settings chat.Settings) error {
	return s.write(ctx, keySettings, settings)
}

// UpdateSettings applies a mutation to the stored settings.
func (s *Store) UpdateSettings(ctx context.Context, apply func(*chat.Settings)) error {
	settings := s.Settings(ctx)
	apply(&settings)
	return s.SaveSettings(ctx, settings)
}

// Snapshot is a full export of every partition.
type Snapshot struct {
	Characters []chat.Character          `json:"characters"`
	Contexts   map[string]chat.Context   `json:"contexts"`
	Chats      map[string][]chat.Message `json:"chats"`
	Settings   chat.Settings             `json:"settings"`
	ExportedAt time.Time                 `json:"exportedAt"`
}

// Export captures all four partitions.
func (s *Store) Export(ctx context.Context) Snapshot {
	return Snapshot{
		Characters: s.Characters(ctx),
		Contexts:   s.Contexts(ctx),
		Chats:      s.Chats(ctx),
		Settings:   s.Settings(ctx),
		ExportedAt: time.Now(),
	}
}

// Import restores partitions from a snapshot. Zero-valued sections are
// skipped so partial exports import cleanly.
func (s *Store) Import(ctx context.Context, snap Snapshot) error {
	if snap.Characters != nil {
		if err := s.SaveCharacters(ctx, snap.Characters); err != nil {
			return err
		}
	}
	if snap.Contexts != nil {
		if err := s.write(ctx, keyContexts, snap.Contexts); err != nil {
			return err
		}
	}
	if snap.Chats != nil {
		if err := s.write(ctx, keyChats, snap.Chats); err != nil {
			return err
		}
	}
	if snap.Settings != (chat.Settings{}) {
		if err := s.SaveSettings(ctx, snap.Settings); err != nil {
			return err
		}
	}
	return nil
}

// Reset deletes every partition.
func (s *Store) Reset(ctx context.Context) error {
	for _, key := range []string{keyCharacters, keyContexts, keyChats, keySettings} {
		if err := s.kv.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
