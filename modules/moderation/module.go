package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-monolith/mono"
	"golang.org/x/text/language"
)

// Module sources the word lists at startup and exposes the compiled
// filter. Lists come from WORDLIST_HARD / WORDLIST_SOFT (comma-separated)
// or WORDLIST_HARD_FILE / WORDLIST_SOFT_FILE (JSON string arrays); the
// locale from MODERATION_LOCALE (BCP 47, default German). The filter is
// immutable for the process lifetime.
type Module struct {
	filter *Filter
}

// Compile-time interface check.
var _ mono.Module = (*Module)(nil)

// NewModule creates a moderation module.
func NewModule() *Module {
	return &Module{}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "moderation"
}

// Start loads and compiles the word lists.
func (m *Module) Start(_ context.Context) error {
	hard, err := loadList("WORDLIST_HARD", "WORDLIST_HARD_FILE")
	if err != nil {
		return err
	}
	soft, err := loadList("WORDLIST_SOFT", "WORDLIST_SOFT_FILE")
	if err != nil {
		return err
	}

	locale := language.German
	if raw := os.Getenv("MODERATION_LOCALE"); raw != "" {
		tag, err := language.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid MODERATION_LOCALE %q: %w", raw, err)
		}
		locale = tag
	}

	m.filter = New(Config{HardWords: hard, SoftWords: soft, Locale: locale})
	log.Printf("[moderation] Module started (%d hard words, %d soft words)", len(hard), len(soft))
	return nil
}

// Stop is a no-op; the filter has nothing to release.
func (m *Module) Stop(_ context.Context) error {
	log.Println("[moderation] Module stopped")
	return nil
}

// Filter returns the compiled filter.
func (m *Module) Filter() *Filter {
	return m.filter
}

// loadList reads a word list from the inline variable or, if set, the
// file variable. A missing list is valid and yields a never-matching set.
func loadList(inlineVar, fileVar string) ([]string, error) {
	if path := os.Getenv(fileVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fileVar, err)
		}
		var words []string
		if err := json.Unmarshal(data, &words); err != nil {
			return nil, fmt.Errorf("failed to parse %s as a JSON string array: %w", fileVar, err)
		}
		return words, nil
	}
	raw := os.Getenv(inlineVar)
	if raw == "" {
		return nil, nil
	}
	return strings.Split(raw, ","), nil
}
