package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"configline/internal/domain"
	"configline/internal/events"
	"configline/internal/projection"
)

// Migrator rewrites a stream from one event schema to another. The stream is
// read once into a LegacyState, translated, checked by folding the result in
// memory, and swapped in with Log.Replace. The swap only happens while the
// tail is still the last revision read, so a concurrent append fails the run
// instead of being lost.
type Migrator struct {
	Log          events.Log
	Stream       string
	From, To     int
	Mode         Mode
	BatchSize    int
	IgnoreErrors bool
	// Translator overrides the lookup by From and To.
	Translator Translator
	// BackupPath, when set, receives the accumulated state and translated
	// events before the log is replaced. A later run finding the file resumes
	// from it instead of reading the log again.
	BackupPath string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Backup is the on-disk form of an interrupted migration.
type Backup struct {
	From       int             `json:"from"`
	To         int             `json:"to"`
	Mode       Mode            `json:"mode"`
	Stream     string          `json:"stream"`
	// SourceHead is the last revision read, ignored events included.
	SourceHead domain.Revision `json:"source_head"`
	State      *LegacyState    `json:"state"`
	Events     []domain.Event  `json:"events"`
}

type MigrationResult struct {
	SourceEvents int
	Ignored      int
	Written      int
	Resumed      bool
}

func (m Migrator) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m Migrator) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Run performs the migration. The backup file is removed once the log has
// been replaced.
func (m Migrator) Run(ctx context.Context) (MigrationResult, error) {
	var res MigrationResult
	tr := m.Translator
	if tr == nil {
		var err error
		if tr, err = TranslatorFor(m.From, m.To); err != nil {
			return res, err
		}
	}
	mode := m.Mode
	if mode == "" {
		mode = ModeLossy
	}
	var lossless EventTranslator
	if mode == ModeLossless {
		et, ok := tr.(EventTranslator)
		if !ok {
			return res, fmt.Errorf("v%d to v%d: %w", m.From, m.To, ErrLosslessUnsupported)
		}
		lossless = et
	}

	backup, err := m.readBackup()
	if err != nil {
		return res, err
	}
	if backup != nil {
		if backup.From != m.From || backup.To != m.To || backup.Mode != mode || backup.Stream != m.Stream {
			return res, fmt.Errorf("backup %s was written for stream %s v%d to v%d (%s)", m.BackupPath, backup.Stream, backup.From, backup.To, backup.Mode)
		}
		head, err := m.Log.Head(ctx, m.Stream)
		if err != nil {
			return res, err
		}
		if head != backup.SourceHead {
			return res, fmt.Errorf("%w: stream %s moved from %d to %d since backup %s was written; remove it and migrate again",
				domain.ErrConcurrencyConflict, m.Stream, backup.SourceHead, head, m.BackupPath)
		}
		res.Resumed = true
		m.logger().Info("resuming migration from backup", "path", m.BackupPath, "events", len(backup.Events))
	} else {
		backup, err = m.translate(ctx, tr, lossless, mode, &res)
		if err != nil {
			return res, err
		}
		if err := m.verify(ctx, backup.Events); err != nil {
			return res, err
		}
		if err := m.writeBackup(backup); err != nil {
			return res, err
		}
	}

	if err := m.Log.Replace(ctx, m.Stream, backup.SourceHead, backup.Events); err != nil {
		return res, fmt.Errorf("replace stream %s: %w", m.Stream, err)
	}
	res.Written = len(backup.Events)
	if m.BackupPath != "" {
		if err := os.Remove(m.BackupPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger().Warn("remove migration backup", "path", m.BackupPath, "err", err)
		}
	}
	m.logger().Info("migration complete", "stream", m.Stream, "from", m.From, "to", m.To, "mode", mode,
		"source_events", res.SourceEvents, "written", res.Written, "ignored", res.Ignored)
	return res, nil
}

func (m Migrator) translate(ctx context.Context, tr Translator, lossless EventTranslator, mode Mode, res *MigrationResult) (*Backup, error) {
	state := NewLegacyState()
	var (
		out      []domain.Event
		lastRead domain.Revision
	)
	it := m.Log.ReadRange(ctx, m.Stream, 0, events.Forward, m.BatchSize)
	for it.Next(ctx) {
		e := it.Event()
		lastRead = e.Revision
		res.SourceEvents++
		payload, err := decodeLegacy(e)
		if err != nil {
			return nil, err
		}
		if err := state.Apply(e, payload); err != nil {
			if m.IgnoreErrors && errors.Is(err, domain.ErrReplayInconsistency) {
				res.Ignored++
				m.logger().Warn("migration inconsistency ignored", "revision", e.Revision, "type", e.Type, "err", err)
				continue
			}
			return nil, err
		}
		if lossless == nil {
			continue
		}
		group, err := lossless.TranslateEvent(state, e, payload)
		if err != nil {
			return nil, err
		}
		evts, err := encode(group, e.Timestamp)
		if err != nil {
			return nil, err
		}
		out = append(out, evts...)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	if lossless == nil {
		payloads, err := tr.Translate(state)
		if err != nil {
			return nil, err
		}
		if out, err = encode(payloads, m.now()); err != nil {
			return nil, err
		}
	}
	return &Backup{
		From: m.From, To: m.To, Mode: mode, Stream: m.Stream,
		SourceHead: lastRead, State: state, Events: out,
	}, nil
}

func encode(payloads []domain.Payload, at time.Time) ([]domain.Event, error) {
	out := make([]domain.Event, 0, len(payloads))
	for _, p := range payloads {
		e, err := domain.NewEvent(p)
		if err != nil {
			return nil, err
		}
		e.ID = uuid.NewString()
		e.Timestamp = at
		out = append(out, e)
	}
	return out, nil
}

// verify folds the translated events in memory with provisional revisions.
func (m Migrator) verify(ctx context.Context, evts []domain.Event) error {
	folder, err := projection.NewFolder(nil)
	if err != nil {
		return err
	}
	store := projection.NewMemoryStore()
	for i, e := range evts {
		e.Revision = domain.Revision(i + 1)
		if _, err := folder.Fold(ctx, store, e); err != nil {
			if m.IgnoreErrors && errors.Is(err, domain.ErrReplayInconsistency) {
				continue
			}
			return fmt.Errorf("translated log does not replay: %w", err)
		}
	}
	return nil
}

func (m Migrator) readBackup() (*Backup, error) {
	if m.BackupPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(m.BackupPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migration backup: %w", err)
	}
	var b Backup
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse migration backup %s: %w", m.BackupPath, err)
	}
	return &b, nil
}

// writeBackup writes through a temp file so a crash never leaves a torn backup.
func (m Migrator) writeBackup(b *Backup) error {
	if m.BackupPath == "" {
		return nil
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration backup: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.BackupPath), 0o755); err != nil {
		return fmt.Errorf("write migration backup: %w", err)
	}
	tmp := m.BackupPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write migration backup: %w", err)
	}
	if err := os.Rename(tmp, m.BackupPath); err != nil {
		return fmt.Errorf("write migration backup: %w", err)
	}
	m.logger().Info("migration backup written", "path", m.BackupPath, "events", len(b.Events))
	return nil
}
