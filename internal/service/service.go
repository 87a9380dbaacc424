// Package service is the facade over the correspondence pipeline:
// ingest an upload, match it against a registry, preview and approve
// dynamic fields, then generate, track and download the documents.
package service

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"correo/internal/batch"
	"correo/internal/compose"
	"correo/internal/config"
	"correo/internal/dynfields"
	"correo/internal/ingest"
	"correo/internal/match"
	"correo/internal/store"
	"correo/internal/types"
)

// ErrNotReady is returned when an archive download is requested before
// generation finished.
var ErrNotReady = errors.New("session archive is not ready")

// defaultDefs activates every dynamic field when a project has no
// explicit configuration.
var defaultDefs = []types.DynamicFieldDef{
	{Type: types.DynamicVisit},
	{Type: types.DynamicPMO},
	{Type: types.DynamicCodebar},
	{Type: types.DynamicDocType},
	{Type: types.DynamicEmission},
}

// Service wires the pipeline together.
type Service struct {
	cfg     config.Config
	store   *store.Store
	matcher *match.Matcher
	engine  *dynfields.Engine
	orch    *batch.Orchestrator
	log     *zap.Logger

	now func() time.Time
}

// New builds a service from configuration and an opened store.
func New(cfg config.Config, st *store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	cache := compose.NewBaseCache(cfg.BaseCacheSize)
	composer := compose.NewComposer(cfg.PageWidthMM, cfg.PageHeightMM, cache, log)
	return &Service{
		cfg:     cfg,
		store:   st,
		matcher: match.New(st),
		engine:  dynfields.New(st, log),
		orch:    batch.New(st, composer, cfg.Workers, cfg.OutputDir, log),
		log:     log,
		now:     time.Now,
	}
}

// IngestRequest carries one upload into the pipeline.
type IngestRequest struct {
	ProjectID    int64
	TemplateID   int64
	RegistryUUID string
	Data         []byte
	Delimiter    string // empty uses the configured default
	Encoding     string // declared encoding, may be empty or wrong
}

// IngestSummary reports the match outcome of an upload.
type IngestSummary struct {
	SessionID string
	Encoding  string
	Total     int
	Exact     int
	Partial   int
	None      int
	Errors    int
}

// IngestAndMatch decodes an upload, matches every row against the
// registry and persists the merged records as a new session in print
// order (grouped by account). Partial matches additionally land in the
// exception list for manual review.
func (s *Service) IngestAndMatch(req IngestRequest) (*IngestSummary, error) {
	delimiter := req.Delimiter
	if delimiter == "" {
		delimiter = s.cfg.DefaultDelimiter
	}
	parsed, err := ingest.Parse(req.Data, delimiter, req.Encoding)
	if err != nil {
		return nil, fmt.Errorf("upload rejected: %w", err)
	}

	table, err := s.store.ResolveRegistry(req.RegistryUUID)
	if err != nil {
		return nil, err
	}
	registryCols, err := s.store.RegistryColumns(table)
	if err != nil {
		return nil, err
	}

	results := s.matcher.MatchRecords(table, registryCols, parsed.Records, parsed.Headers)

	sessionID := uuid.NewString()
	sess := &types.Session{
		ID:        sessionID,
		ProjectID: req.ProjectID,
		// TemplateID may be zero here and chosen later, before generation.
		TemplateID: req.TemplateID,
		State:      types.SessionUploaded,
		Delimiter:  delimiter,
		Encoding:   parsed.Encoding,
	}
	if err := s.store.CreateSession(sess); err != nil {
		return nil, err
	}

	summary := &IngestSummary{SessionID: sessionID, Encoding: parsed.Encoding, Total: len(parsed.Records)}
	records := make([]types.MergedRecord, 0, len(parsed.Records))
	for i, rec := range parsed.Records {
		res := results[i]
		mr := types.MergedRecord{
			SessionID:  sessionID,
			ProjectID:  req.ProjectID,
			TemplateID: req.TemplateID,
			Account:    rec.Account,
			Code:       rec.Code,
			Values:     match.Merge(rec, res),
			Match:      res.Kind,
			State:      types.RecordPending,
		}
		switch res.Kind {
		case types.MatchExact:
			summary.Exact++
		case types.MatchPartial:
			summary.Partial++
			if err := s.store.InsertMatchException(&types.MatchException{
				ProjectID: req.ProjectID,
				SessionID: sessionID,
				Account:   rec.Account,
				Code:      rec.Code,
				Conflicts: res.Conflicts,
			}); err != nil {
				return nil, err
			}
		case types.MatchNone:
			summary.None++
		case types.MatchError:
			summary.Errors++
			mr.State = types.RecordError
			mr.ErrorMessage = res.Err
		}
		records = append(records, mr)
	}

	// Print order groups documents by account so physical handling
	// downstream stays sorted; ties keep upload order.
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Account < records[j].Account
	})
	for i := range records {
		records[i].Position = i
	}

	if err := s.store.InsertRecords(records); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionState(sessionID, types.SessionMatched); err != nil {
		return nil, err
	}

	s.log.Info("upload ingested",
		zap.String("session", sessionID),
		zap.Int("total", summary.Total),
		zap.Int("exact", summary.Exact),
		zap.Int("partial", summary.Partial),
		zap.Int("none", summary.None),
		zap.String("encoding", summary.Encoding))
	return summary, nil
}

// RecordPreview shows the proposed dynamic values for one record.
type RecordPreview struct {
	Position int
	Account  string
	Fields   map[string]string
}

// PreviewDynamicFields computes the proposed dynamic values for every
// record of a session without advancing any counter. Counters are only
// consumed at approval.
func (s *Service) PreviewDynamicFields(sessionID, docType string, defs []types.DynamicFieldDef) ([]RecordPreview, error) {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	records, err := s.store.RecordsBySession(sessionID)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		defs = defaultDefs
	}

	when := s.now()
	out := make([]RecordPreview, 0, len(records))
	for i := range records {
		rec := &records[i]
		fields, err := s.engine.Preview(dynfields.Input{
			ProjectID: sess.ProjectID,
			Account:   rec.Account,
			Code:      rec.Code,
			DocType:   docType,
			When:      when,
			Defs:      defs,
		})
		if err != nil {
			return nil, fmt.Errorf("preview failed for record %d: %w", rec.Position, err)
		}
		out = append(out, RecordPreview{Position: rec.Position, Account: rec.Account, Fields: fields})
	}
	return out, nil
}

// ApproveDynamicFields commits the dynamic values of every pending
// record, applying per-record overrides keyed by print position, and
// moves the session to pending generation. Each counter successor is
// computed and recorded atomically, so approving two sessions touching
// the same account concurrently still yields distinct values.
func (s *Service) ApproveDynamicFields(sessionID, docType string, defs []types.DynamicFieldDef, overrides map[int]map[string]string, actor int64) error {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return err
	}
	records, err := s.store.RecordsBySession(sessionID)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		defs = defaultDefs
	}

	when := s.now()
	for i := range records {
		rec := &records[i]
		if rec.State.Terminal() {
			continue
		}
		fields, err := s.engine.Commit(dynfields.Input{
			ProjectID: sess.ProjectID,
			Account:   rec.Account,
			Code:      rec.Code,
			DocType:   docType,
			When:      when,
			Defs:      defs,
			RecordID:  rec.ID,
			Actor:     actor,
		}, overrides[rec.Position])
		if err != nil {
			return fmt.Errorf("approval failed for record %d: %w", rec.Position, err)
		}
		if err := s.store.UpdateRecordFields(rec.ID, rec.Values, fields); err != nil {
			return err
		}
	}
	return s.store.UpdateSessionState(sessionID, types.SessionPending)
}

// StartGeneration launches document generation for a session.
// Idempotent: calling it while the batch is running (or after it
// finished) does not start a second batch.
func (s *Service) StartGeneration(sessionID string, templateID int64) error {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return err
	}
	if templateID == 0 {
		templateID = sess.TemplateID
	}
	if templateID == 0 {
		return fmt.Errorf("session %s has no template", sessionID)
	}
	tpl, err := s.store.Template(templateID)
	if err != nil {
		return err
	}

	if !s.orch.Start(sessionID, tpl) {
		s.log.Debug("generation already running", zap.String("session", sessionID))
	}
	return nil
}

// StatusReport is the live view of a session.
type StatusReport struct {
	SessionID   string
	State       types.SessionState
	Counts      map[types.RecordState]int
	Total       int
	Percent     float64 // share of records in a terminal state
	ArchivePath string
}

// Status reports a session's stored state together with its record
// counts and the state those counts derive to. Reading status never
// mutates anything; polling is free.
func (s *Service) Status(sessionID string) (*StatusReport, error) {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.CountsByState(sessionID)
	if err != nil {
		return nil, err
	}
	total := 0
	done := 0
	for st, n := range counts {
		total += n
		if st.Terminal() {
			done += n
		}
	}
	percent := 0.0
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}

	state := sess.State
	// Before matching completes there are no records to derive from;
	// afterwards the record counts are authoritative.
	if total > 0 && state != types.SessionUploaded && state != types.SessionMatched {
		state = batch.Aggregate(counts)
	}
	return &StatusReport{
		SessionID:   sessionID,
		State:       state,
		Counts:      counts,
		Total:       total,
		Percent:     percent,
		ArchivePath: sess.ArchivePath,
	}, nil
}

// DownloadArchive returns the path of a session's finished archive.
// Returns ErrNotReady until generation completed and the archive exists.
func (s *Service) DownloadArchive(sessionID string) (string, error) {
	st, err := s.Status(sessionID)
	if err != nil {
		return "", err
	}
	if st.State != types.SessionCompleted || st.ArchivePath == "" {
		return "", ErrNotReady
	}
	if _, err := os.Stat(st.ArchivePath); err != nil {
		return "", fmt.Errorf("archive missing for session %s: %w", sessionID, err)
	}
	return st.ArchivePath, nil
}

// Cancel stops a session. A running batch is cancelled cooperatively;
// an idle one has its remaining records flipped directly.
func (s *Service) Cancel(sessionID string) error {
	if _, err := s.store.Session(sessionID); err != nil {
		return err
	}
	return s.orch.Cancel(sessionID)
}

// WaitForSession blocks until the session's batch finishes. Intended
// for the CLI and tests; the HTTP-style flow polls Status instead.
func (s *Service) WaitForSession(sessionID string) {
	s.orch.Wait(sessionID)
}

// CleanupExpired removes sessions older than the retention window along
// with their transient rows. Counter history survives cleanup.
func (s *Service) CleanupExpired() (int, error) {
	cutoff := s.now().Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	return s.store.CleanupSessions(cutoff)
}

// Exceptions lists the partial-match exceptions of a session.
func (s *Service) Exceptions(sessionID string) ([]types.MatchException, error) {
	return s.store.ExceptionsBySession(sessionID)
}

// LoadRegistryCSV parses a delimited file and loads it as a registry
// table. Registry identifiers come from the caller; table names are
// derived from the uuid.
func (s *Service) LoadRegistryCSV(registryUUID string, data []byte, delimiter string) (int, error) {
	if delimiter == "" {
		delimiter = s.cfg.DefaultDelimiter
	}
	parsed, err := ingest.Parse(data, delimiter, "")
	if err != nil {
		return 0, fmt.Errorf("registry upload rejected: %w", err)
	}

	table := "padron_" + strings.ReplaceAll(registryUUID, "-", "_")
	rows := make([][]string, len(parsed.Records))
	for i, rec := range parsed.Records {
		row := make([]string, len(parsed.Headers))
		for j, h := range parsed.Headers {
			row[j] = rec.Values[h]
		}
		rows[i] = row
	}
	cols := make([]string, len(parsed.Headers))
	for i, h := range parsed.Headers {
		cols[i] = sanitizeIdent(h)
	}
	if err := s.store.LoadRegistry(registryUUID, table, cols, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// sanitizeIdent coerces an arbitrary header into a safe SQL identifier.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "c_" + out
	}
	return out
}
