// Package catalog serves the read-only parts listing and troubleshooting knowledge base.
package catalog

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/avvvet/partsbuddy/internal/models"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	ProductsFile        = "products.json"
	TroubleshootingFile = "troubleshooting.json"
)

//go:embed seed/*.json
var seed embed.FS

// Catalog is the lookup surface the agents use. It is never written by the pipeline.
type Catalog interface {
	Part(partNumber string) (models.Part, bool)
	Parts() []models.Part
	Entry(id string) (models.TroubleshootingEntry, bool)
	Entries() []models.TroubleshootingEntry
}

// FileCatalog loads the catalog from a directory, or from the embedded seed data
type FileCatalog struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	parts   []models.Part
	byPart  map[string]int
	entries []models.TroubleshootingEntry
	byEntry map[string]int
}

// Load reads products.json and troubleshooting.json from dir. An empty dir uses the seed data.
func Load(dir string, logger *zap.Logger) (*FileCatalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &FileCatalog{dir: dir, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog files and swaps them in atomically
func (c *FileCatalog) Reload() error {
	var productsData, entriesData []byte
	var err error

	if c.dir == "" {
		productsData, err = seed.ReadFile("seed/" + ProductsFile)
		if err != nil {
			return fmt.Errorf("failed to read seed products: %w", err)
		}
		entriesData, err = seed.ReadFile("seed/" + TroubleshootingFile)
		if err != nil {
			return fmt.Errorf("failed to read seed troubleshooting: %w", err)
		}
	} else {
		productsData, err = os.ReadFile(filepath.Join(c.dir, ProductsFile))
		if err != nil {
			return fmt.Errorf("failed to read products: %w", err)
		}
		entriesData, err = os.ReadFile(filepath.Join(c.dir, TroubleshootingFile))
		if err != nil {
			return fmt.Errorf("failed to read troubleshooting: %w", err)
		}
	}

	var parts []models.Part
	if err := json.Unmarshal(productsData, &parts); err != nil {
		return fmt.Errorf("failed to parse products: %w", err)
	}
	var entries []models.TroubleshootingEntry
	if err := json.Unmarshal(entriesData, &entries); err != nil {
		return fmt.Errorf("failed to parse troubleshooting: %w", err)
	}

	parts, byPart := indexParts(parts, c.logger)
	entries, byEntry := indexEntries(entries)

	c.mu.Lock()
	c.parts, c.byPart = parts, byPart
	c.entries, c.byEntry = entries, byEntry
	c.mu.Unlock()

	c.logger.Info("📦 Catalog loaded",
		zap.String("source", c.source()),
		zap.Int("parts", len(parts)),
		zap.Int("troubleshooting_entries", len(entries)))
	return nil
}

func (c *FileCatalog) source() string {
	if c.dir == "" {
		return "embedded"
	}
	return c.dir
}

// indexParts normalizes part numbers and drops duplicates, keeping the first
func indexParts(parts []models.Part, logger *zap.Logger) ([]models.Part, map[string]int) {
	out := make([]models.Part, 0, len(parts))
	index := make(map[string]int, len(parts))
	for _, p := range parts {
		p.PartNumber = strings.ToUpper(strings.TrimSpace(p.PartNumber))
		p.ApplianceType = strings.ToLower(p.ApplianceType)
		if p.PartNumber == "" {
			continue
		}
		if _, dup := index[p.PartNumber]; dup {
			logger.Warn("Duplicate part number in catalog", zap.String("part_number", p.PartNumber))
			continue
		}
		index[p.PartNumber] = len(out)
		out = append(out, p)
	}
	return out, index
}

func indexEntries(entries []models.TroubleshootingEntry) ([]models.TroubleshootingEntry, map[string]int) {
	out := make([]models.TroubleshootingEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = fmt.Sprintf("entry-%d", i)
		}
		if _, dup := index[e.ID]; dup {
			continue
		}
		e.ApplianceType = strings.ToLower(e.ApplianceType)
		sort.SliceStable(e.Causes, func(a, b int) bool { return e.Causes[a].Rank < e.Causes[b].Rank })
		index[e.ID] = len(out)
		out = append(out, e)
	}
	return out, index
}

// Part looks up a part by number, case-insensitively
func (c *FileCatalog) Part(partNumber string) (models.Part, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byPart[strings.ToUpper(strings.TrimSpace(partNumber))]
	if !ok {
		return models.Part{}, false
	}
	return clonePart(c.parts[i]), true
}

// Parts returns the whole listing in file order
func (c *FileCatalog) Parts() []models.Part {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.Part, len(c.parts))
	for i, p := range c.parts {
		out[i] = clonePart(p)
	}
	return out
}

func (c *FileCatalog) Entry(id string) (models.TroubleshootingEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.byEntry[id]
	if !ok {
		return models.TroubleshootingEntry{}, false
	}
	return cloneEntry(c.entries[i]), true
}

func (c *FileCatalog) Entries() []models.TroubleshootingEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.TroubleshootingEntry, len(c.entries))
	for i, e := range c.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Watch reloads the catalog whenever one of its files changes and then calls onReload.
// The returned channel closes once the watcher has stopped.
func (c *FileCatalog) Watch(ctx context.Context, onReload func()) (<-chan struct{}, error) {
	if c.dir == "" {
		return nil, fmt.Errorf("embedded catalog cannot be watched")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", c.dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !c.isCatalogFile(event.Name) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}

				if err := c.Reload(); err != nil {
					// Half-written files are common; the next write event retries
					c.logger.Warn("Catalog reload failed", zap.String("file", event.Name), zap.Error(err))
					continue
				}
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("Catalog watcher error", zap.Error(err))
			}
		}
	}()

	c.logger.Info("👀 Watching catalog for changes", zap.String("dir", c.dir))
	return done, nil
}

func (c *FileCatalog) isCatalogFile(path string) bool {
	base := filepath.Base(path)
	return base == ProductsFile || base == TroubleshootingFile
}

func clonePart(p models.Part) models.Part {
	p.CompatibleModels = append([]string(nil), p.CompatibleModels...)
	p.MediaURLs = append([]string(nil), p.MediaURLs...)
	p.InstallationSteps = append([]string(nil), p.InstallationSteps...)
	p.Symptoms = append([]string(nil), p.Symptoms...)
	return p
}

func cloneEntry(e models.TroubleshootingEntry) models.TroubleshootingEntry {
	causes := make([]models.Cause, len(e.Causes))
	for i, cause := range e.Causes {
		cause.PartNumbers = append([]string(nil), cause.PartNumbers...)
		causes[i] = cause
	}
	e.Causes = causes
	e.SafetyNotes = append([]string(nil), e.SafetyNotes...)
	e.DiagnosticSteps = append([]string(nil), e.DiagnosticSteps...)
	e.ClarifyingQuestions = append([]string(nil), e.ClarifyingQuestions...)
	return e
}
