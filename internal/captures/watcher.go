// Package captures watches the camera output directory and registers
// new image files as pending attachments owned by the record their
// filename names.
package captures

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/harworth/field-sync/internal/models"
	"github.com/harworth/field-sync/internal/store"
)

const (
	capturesDirPerm = fs.FileMode(0o755)

	// debounceInterval batches the write events a camera app fires
	// while it is still flushing the file.
	debounceInterval = 500 * time.Millisecond

	settleAfter = 300 * time.Millisecond

	// photosField is the payload array the attachment handle is
	// appended to on the owning record.
	photosField = "photos"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".heic": true,
}

// owner is the record a capture belongs to, parsed from its filename.
type owner struct {
	inspectionID string
	key          models.EntryKey
}

// notifier lets the watcher wake the sync loop after a registration.
type notifier interface {
	Nudge()
}

// Watcher monitors the captures directory. Filenames follow the
// camera app's convention:
//
//	<inspection-id>__<section-ref>__<field-key>__<anything>.jpg
//
// Files that do not parse are ignored with a warning; the camera app
// also writes thumbnails and temp files here.
type Watcher struct {
	dir     string
	store   *store.Store
	nudger  notifier
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher over the given captures directory.
// nudger may be nil when nothing should be woken on registration.
func NewWatcher(dir string, st *store.Store, nudger notifier, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		store:  st,
		nudger: nudger,
		logger: logger,
	}
}

// Watch blocks until the context is cancelled. On startup it sweeps the
// directory once so captures taken while the agent was down are not
// lost.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, capturesDirPerm); err != nil {
		return fmt.Errorf("creating captures dir: %w", err)
	}

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching captures dir: %w", err)
	}

	w.logger.Info("captures watcher started", slog.String("dir", w.dir))

	w.sweep()

	// Debounce: a capture fires several writes before the file settles.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < settleAfter {
					continue
				}

				delete(pending, path)
				w.register(path)
			}
		}
	}
}

// sweep registers any captures already on disk.
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("sweeping captures dir", slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		w.register(filepath.Join(w.dir, e.Name()))
	}
}

// register records one capture: a pending attachment, its handle
// appended to the owning entry's payload, and a queued upload.
// Re-registering an already known path is a no-op, so the startup
// sweep and live events can overlap safely.
func (w *Watcher) register(path string) {
	own, err := parseCaptureName(filepath.Base(path))
	if err != nil {
		w.logger.Debug("ignoring non-capture file",
			slog.String("path", path),
			slog.String("reason", err.Error()),
		)

		return
	}

	existing, err := w.store.AttachmentByPath(path)
	if err != nil {
		w.logger.Warn("checking for existing attachment", slog.String("error", err.Error()))
		return
	}

	if existing != nil {
		return
	}

	att := models.NewImageAttachment(path, models.AttachmentOwner{
		InspectionID: own.inspectionID,
		Key:          own.key,
	})

	if err := w.store.PutAttachment(att); err != nil {
		w.logger.Warn("registering attachment", slog.String("error", err.Error()))
		return
	}

	if err := w.attachToEntry(own, att.Handle); err != nil {
		w.logger.Warn("attaching capture to entry",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	item := models.NewQueueItem(models.OpUploadImage, att.LocalID, nil)
	if err := w.store.Enqueue(item); err != nil {
		w.logger.Warn("queueing upload", slog.String("error", err.Error()))
	}

	w.logger.Info("registered capture",
		slog.String("path", path),
		slog.String("inspection", own.inspectionID),
		slog.String("section", own.key.SectionRef),
		slog.String("field", own.key.FieldKey),
	)

	if w.nudger != nil {
		w.nudger.Nudge()
	}
}

// attachToEntry appends the handle to the owning entry's photos array,
// creating the entry when the capture arrives before any field data.
func (w *Watcher) attachToEntry(own owner, handle string) error {
	rec, err := w.store.GetEntry(own.inspectionID, own.key)
	if err != nil {
		return err
	}

	if rec == nil {
		payload, err := json.Marshal(map[string]any{photosField: []string{handle}})
		if err != nil {
			return err
		}

		entry := models.NewEntry(own.inspectionID, own.key, payload)
		_, err = w.store.SaveLocalEdit(entry)

		return err
	}

	payload, err := appendPhoto(rec.Payload, handle)
	if err != nil {
		return err
	}

	rec.Payload = payload
	_, err = w.store.SaveLocalEdit(*rec)

	return err
}

// appendPhoto adds the handle to the payload's photos array, creating
// the array if absent. Duplicate handles are not appended.
func appendPhoto(payload json.RawMessage, handle string) (json.RawMessage, error) {
	doc := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("parsing entry payload: %w", err)
		}
	}

	var photos []any
	if raw, ok := doc[photosField].([]any); ok {
		photos = raw
	}

	for _, p := range photos {
		if s, ok := p.(string); ok && s == handle {
			return payload, nil
		}
	}

	doc[photosField] = append(photos, handle)

	return json.Marshal(doc)
}

// parseCaptureName extracts the owning record from a capture filename.
func parseCaptureName(name string) (owner, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !imageExtensions[ext] {
		return owner{}, fmt.Errorf("not an image file: %s", name)
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))

	parts := strings.SplitN(stem, "__", 4)
	if len(parts) < 4 {
		return owner{}, fmt.Errorf("filename does not follow capture convention: %s", name)
	}

	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return owner{}, fmt.Errorf("capture filename has empty segment: %s", name)
	}

	return owner{
		inspectionID: parts[0],
		key:          models.NewEntryKey(parts[1], parts[2]),
	}, nil
}
