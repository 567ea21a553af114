package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/config"
	"bitbucket.org/mmdatafocus/ddsync_backend/ddclient"
	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RejectionSource lists and downloads AUDDIS and ARUDD files.
type RejectionSource interface {
	AuddisList(ctx context.Context, from, to time.Time) ([]ddclient.FileRef, error)
	AruddList(ctx context.Context, from, to time.Time) ([]ddclient.FileRef, error)
	AuddisFile(ctx context.Context, fileId string) (*ddclient.RejectionFile, error)
	AruddFile(ctx context.Context, fileId string) (*ddclient.RejectionFile, error)
}

// Reconciler is the part of Engine the rejection processor drives.
type Reconciler interface {
	ProcessCollection(ctx context.Context, transactionId string, receiveDate string, amount decimal.Decimal, kind models.ReportKind, description string) (uint, bool)
}

type ProcessedFiles interface {
	ProcessedIds(ctx context.Context, kind models.RejectionKind) (map[string]bool, error)
	MarkProcessed(ctx context.Context, file *models.ProcessedRejectionFile) error
}

type GormProcessedFiles struct {
	DB *gorm.DB
}

func (g GormProcessedFiles) ProcessedIds(ctx context.Context, kind models.RejectionKind) (map[string]bool, error) {
	return models.ProcessedRejectionFileIds(ctx, g.DB, kind)
}

func (g GormProcessedFiles) MarkProcessed(ctx context.Context, file *models.ProcessedRejectionFile) error {
	return models.MarkRejectionFileProcessed(ctx, g.DB, file)
}

// Archiver keeps a copy of each decoded file and returns where it went.
type Archiver interface {
	Archive(ctx context.Context, file *ddclient.RejectionFile) (string, error)
}

// GCSArchiver stores raw rejection documents in a bucket.
type GCSArchiver struct {
	Bucket string
}

func (a GCSArchiver) Archive(ctx context.Context, file *ddclient.RejectionFile) (string, error) {
	obj := utils.ArchiveObject{
		Bucket:      a.Bucket,
		Name:        fmt.Sprintf("rejections/%s/%s-%s.xml", file.Kind, file.FileId, file.Checksum),
		ContentType: "application/xml",
		Metadata:    map[string]string{"kind": string(file.Kind), "file_id": file.FileId, "checksum": file.Checksum},
	}
	if _, err := utils.ArchiveToGCS(ctx, obj, file.Raw); err != nil {
		return "", err
	}
	return obj.URI(), nil
}

// RejectionFileResult reports what one file did.
type RejectionFileResult struct {
	FileId    string `json:"file_id"`
	Matched   int    `json:"matched"`
	Unmatched int    `json:"unmatched"`
	Malformed int    `json:"malformed"`
	Processed bool   `json:"processed"`
}

type RejectionProcessor struct {
	Source   RejectionSource
	Engine   Reconciler
	Files    ProcessedFiles
	Archiver Archiver
	Hooks    Hooks
	Logger   *logrus.Logger
}

func NewRejectionProcessor(source RejectionSource, engine Reconciler, files ProcessedFiles, logger *logrus.Logger) *RejectionProcessor {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &RejectionProcessor{Source: source, Engine: engine, Files: files, Logger: logger}
}

// Discover lists files of kind published in the lookback window and drops the
// ones already marked processed.
func (p *RejectionProcessor) Discover(ctx context.Context, kind models.RejectionKind, lookbackDays int, now time.Time) ([]string, error) {
	if lookbackDays <= 0 {
		lookbackDays = config.DefaultRejectionLookbackDay
	}
	from := now.AddDate(0, 0, -lookbackDays)

	var refs []ddclient.FileRef
	var err error
	switch kind {
	case models.ReportKindAuddis:
		refs, err = p.Source.AuddisList(ctx, from, now)
	case models.ReportKindArudd:
		refs, err = p.Source.AruddList(ctx, from, now)
	default:
		return nil, fmt.Errorf("discover: unsupported kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	done := map[string]bool{}
	if p.Files != nil {
		if done, err = p.Files.ProcessedIds(ctx, kind); err != nil {
			return nil, err
		}
	}
	var ids []string
	for _, ref := range refs {
		if !done[ref.Id] {
			ids = append(ids, ref.Id)
		}
	}
	return utils.UniqueSlice(ids), nil
}

// ProcessFiles fetches and reconciles each file. A file that cannot be fetched
// is logged and left for the next run; missing configuration aborts.
func (p *RejectionProcessor) ProcessFiles(ctx context.Context, kind models.RejectionKind, ids []string) ([]RejectionFileResult, error) {
	var results []RejectionFileResult
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		file, err := p.fetch(ctx, kind, id)
		if err != nil {
			if errors.Is(err, config.ErrMissingAPIURL) {
				return results, err
			}
			config.LogError(p.Logger, "RejectionWorkflow", "ProcessFiles", "fetching "+string(kind)+" file", id, err)
			continue
		}
		res, err := p.ProcessFile(ctx, kind, file)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (p *RejectionProcessor) fetch(ctx context.Context, kind models.RejectionKind, id string) (*ddclient.RejectionFile, error) {
	switch kind {
	case models.ReportKindAuddis:
		return p.Source.AuddisFile(ctx, id)
	case models.ReportKindArudd:
		return p.Source.AruddFile(ctx, id)
	}
	return nil, fmt.Errorf("fetch: unsupported kind %q", kind)
}

// ProcessFile feeds every well-formed advice through the engine as a failure.
// The file is marked processed only when no well-formed advice went unmatched.
func (p *RejectionProcessor) ProcessFile(ctx context.Context, kind models.RejectionKind, file *ddclient.RejectionFile) (RejectionFileResult, error) {
	res := RejectionFileResult{FileId: file.FileId}
	log := p.Logger.WithFields(logrus.Fields{"module": "RejectionWorkflow", "kind": kind, "file_id": file.FileId})

	for _, advice := range file.Advices {
		if err := utils.ValidateStruct(advice); err != nil {
			res.Malformed++
			log.WithField("missing", utils.MissingFields(advice)).Warn("malformed rejection record skipped")
			continue
		}
		amount, ok := utils.CleanAmount(advice.Amount)
		if !ok {
			amount = decimal.Zero
		}
		paymentId, matched := p.Engine.ProcessCollection(ctx, advice.Reference, advice.Date, amount, kind, advice.Reason)
		if !matched {
			res.Unmatched++
			log.WithField("reference", advice.Reference).Info("rejection not matched to a payment, try reconciliation")
			continue
		}
		res.Matched++
		if p.Hooks.Rejection != nil {
			p.Hooks.Rejection.HandleRejected(ctx, paymentId, advice)
		}
	}

	if res.Unmatched > 0 {
		log.WithField("unmatched", res.Unmatched).Warn("file left unprocessed")
		return res, nil
	}

	record := &models.ProcessedRejectionFile{
		Kind:       kind,
		FileId:     file.FileId,
		ReportDate: file.ReportDate,
		Checksum:   file.Checksum,
		Records:    res.Matched,
	}
	if p.Archiver != nil {
		path, err := p.Archiver.Archive(ctx, file)
		if err != nil {
			config.LogError(p.Logger, "RejectionWorkflow", "ProcessFile", "archiving file", file.FileId, err)
		} else {
			record.ArchivePath = path
		}
	}
	if p.Files != nil {
		if err := p.Files.MarkProcessed(ctx, record); err != nil {
			return res, err
		}
	}
	res.Processed = true
	return res, nil
}
