package normalizer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/settleline/recond/internal/model"
	"github.com/settleline/recond/internal/storage/archive"
	"github.com/settleline/recond/internal/storage/canonicalstore"
	"github.com/settleline/recond/internal/types"
)

// SettlementIngestor inserts pre-parsed settlement lines idempotently on
// (connection, batch_id, line_no) and archives the source file for audit.
// Vendor file parsing happens upstream; this is the durable insert path.
type SettlementIngestor struct {
	store   canonicalstore.RepositoryManager
	archive *archive.Store
	log     *zap.Logger
}

// NewSettlementIngestor builds the ingestor.
func NewSettlementIngestor(store canonicalstore.RepositoryManager, arch *archive.Store, log *zap.Logger) *SettlementIngestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettlementIngestor{store: store, archive: arch, log: log}
}

// IngestResult summarizes one settlement file run.
type IngestResult struct {
	Inserted   int
	Duplicates int
	ArchiveRef string
}

// Ingest archives the source file and inserts every line. Lines whose
// unique key already exists are counted as duplicates and skipped; re-running
// the same file is safe.
func (si *SettlementIngestor) Ingest(ctx context.Context, tenant types.ID, filename string, file []byte, lines []model.Settlement) (*IngestResult, error) {
	result := &IngestResult{}

	if si.archive != nil && len(file) > 0 {
		ref, err := si.archive.PutSettlementFile(ctx, tenant, time.Now(), filename, file)
		if err != nil {
			return nil, fmt.Errorf("archive settlement file: %w", err)
		}
		result.ArchiveRef = ref
	}

	scope := canonicalstore.Scope{TenantID: tenant}
	for i := range lines {
		line := lines[i]
		line.TenantID = tenant
		if line.SourceFilePath == "" {
			line.SourceFilePath = result.ArchiveRef
		}
		inserted, err := si.store.Settlements().Insert(ctx, scope, &line)
		if err != nil {
			return result, fmt.Errorf("insert settlement %s/%d: %w", line.BatchID, line.LineNo, err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	si.log.Info("settlement file ingested",
		zap.String("tenant", tenant.String()),
		zap.String("file", filename),
		zap.Int("inserted", result.Inserted),
		zap.Int("duplicates", result.Duplicates))
	return result, nil
}
