// internal/settings/verbosity.go
package settings

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Verbosity levels control how much intermediate agent progress is
// relayed to a chat.
const (
	VerbosityFull    = "full"    // reasoning + tool calls + answer
	VerbosityCompact = "compact" // reasoning + answer
	VerbosityResult  = "result"  // answer only
)

const settingKey = "verbosity"

var verbosityAliases = map[string]string{
	"full":    VerbosityFull,
	"verbose": VerbosityFull,
	"normal":  VerbosityFull,
	"compact": VerbosityCompact,
	"minimal": VerbosityCompact,
	"quiet":   VerbosityCompact,
	"result":  VerbosityResult,
	"final":   VerbosityResult,
}

// Normalize maps a user-supplied verbosity value to its canonical level,
// or "" when unrecognized.
func Normalize(value string) string {
	return verbosityAliases[strings.ToLower(strings.TrimSpace(value))]
}

// Store is the persistence needed for per-chat settings.
type Store interface {
	GetSetting(ctx context.Context, chatID, key string) (string, error)
	SetSetting(ctx context.Context, chatID, key, value string) error
	DeleteSetting(ctx context.Context, chatID, key string) error
}

// Verbosity caches per-chat verbosity preferences backed by the settings
// table.
type Verbosity struct {
	store Store
	def   string

	mu     sync.RWMutex
	byChat map[string]string
}

func NewVerbosity(store Store, defaultLevel string) *Verbosity {
	def := Normalize(defaultLevel)
	if def == "" {
		def = VerbosityFull
	}
	return &Verbosity{store: store, def: def, byChat: make(map[string]string)}
}

// Ensure loads the chat's stored preference into the cache if not present.
func (v *Verbosity) Ensure(ctx context.Context, chatID string) error {
	v.mu.RLock()
	_, ok := v.byChat[chatID]
	v.mu.RUnlock()
	if ok {
		return nil
	}

	stored, err := v.store.GetSetting(ctx, chatID, settingKey)
	if err != nil {
		return err
	}
	level := Normalize(stored)
	if level == "" {
		level = v.def
	}
	v.mu.Lock()
	v.byChat[chatID] = level
	v.mu.Unlock()
	return nil
}

// Get returns the chat's level, falling back to the default.
func (v *Verbosity) Get(chatID string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if level, ok := v.byChat[chatID]; ok {
		return level
	}
	return v.def
}

// ShowToolMessages reports whether tool/command progress should be
// relayed for the chat.
func (v *Verbosity) ShowToolMessages(chatID string) bool {
	return v.Get(chatID) == VerbosityFull
}

// ShowReasoning reports whether reasoning progress should be relayed.
func (v *Verbosity) ShowReasoning(chatID string) bool {
	return v.Get(chatID) != VerbosityResult
}

// Set persists and caches a new level for the chat.
func (v *Verbosity) Set(ctx context.Context, chatID, value string) (string, error) {
	level := Normalize(value)
	if level == "" {
		return "", fmt.Errorf("invalid verbosity %q", value)
	}
	if err := v.store.SetSetting(ctx, chatID, settingKey, level); err != nil {
		return "", err
	}
	v.mu.Lock()
	v.byChat[chatID] = level
	v.mu.Unlock()
	return level, nil
}

// Reset restores the chat to the default level.
func (v *Verbosity) Reset(ctx context.Context, chatID string) error {
	if err := v.store.DeleteSetting(ctx, chatID, settingKey); err != nil {
		return err
	}
	v.mu.Lock()
	v.byChat[chatID] = v.def
	v.mu.Unlock()
	return nil
}

// Default returns the configured default level.
func (v *Verbosity) Default() string { return v.def }
