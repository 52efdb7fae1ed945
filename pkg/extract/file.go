package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/tokenizer"
	"github.com/shopspring/decimal"
)

const maxLineBytes = 1 << 20

// exportLine is one NDJSON usage line as written by provider exporters.
type exportLine struct {
	ID         string `json:"id"`
	ProductKey string `json:"product_key"`
	Unit       string `json:"unit"`

	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
	Prompt       string `json:"prompt"`
	Completion   string `json:"completion"`
	// Response is a captured provider API response body.
	Response json.RawMessage `json:"response"`

	CapacityUnits *decimal.Decimal `json:"capacity_units"`
	ActiveHours   *decimal.Decimal `json:"active_hours"`

	InstanceID string           `json:"instance_id"`
	Hours      *decimal.Decimal `json:"hours"`
}

// FileFetcher reads usage drops laid out as
// <dir>/<tenant>/<provider>/<flow>/<YYYY-MM-DD>.jsonl.
type FileFetcher struct {
	dir    string
	logger *slog.Logger
}

// NewFileFetcher creates a fetcher rooted at dir.
func NewFileFetcher(dir string, logger *slog.Logger) *FileFetcher {
	return &FileFetcher{dir: dir, logger: logger}
}

// Path returns the file a usage drop is expected at.
func (f *FileFetcher) Path(tenantID, provider string, flow model.Flow, date time.Time) string {
	return filepath.Join(f.dir, tenantID, provider, string(flow), model.FormatDate(date)+".jsonl")
}

// FetchUsage reads the drop for one rating key. A missing drop is a
// transient error since exporters deliver asynchronously. Undecodable
// lines are skipped and logged.
func (f *FileFetcher) FetchUsage(ctx context.Context, tenantID, provider string, flow model.Flow, date time.Time) ([]model.UsageRecord, error) {
	for _, seg := range []string{tenantID, provider} {
		if seg == "" || seg != filepath.Base(seg) || strings.HasPrefix(seg, ".") {
			return nil, &FetchError{Err: fmt.Errorf("invalid path segment %q", seg)}
		}
	}
	if !flow.Valid() {
		return nil, &FetchError{Err: fmt.Errorf("unknown flow %q", flow)}
	}

	path := f.Path(tenantID, provider, flow, date)
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &FetchError{Transient: true, Err: fmt.Errorf("usage drop %s not delivered", path)}
		}
		return nil, &FetchError{Transient: true, Err: fmt.Errorf("open %s: %w", path, err)}
	}
	defer file.Close()

	extractedAt := time.Time{}
	if info, err := file.Stat(); err == nil {
		extractedAt = info.ModTime().UTC()
	}

	var records []model.UsageRecord
	reader := bufio.NewReaderSize(file, 64*1024)
	lineNo := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, tooLong, readErr := readLine(reader)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, &FetchError{Transient: true, Err: fmt.Errorf("read %s: %w", path, readErr)}
		}
		eof := readErr != nil
		if eof && len(data) == 0 && !tooLong {
			break
		}
		lineNo++

		rec, err := f.decode(data, tooLong, tenantID, provider, flow, date, lineNo)
		if err != nil {
			f.logger.Warn("skipping malformed usage line",
				"tenant", tenantID,
				"provider", provider,
				"flow", flow,
				"file", path,
				"line", lineNo,
				"reason", err.Error(),
			)
		} else if rec != nil {
			rec.ExtractedAt = extractedAt
			records = append(records, *rec)
		}
		if eof {
			break
		}
	}
	return records, nil
}

// decode turns one raw line into a usage record. Blank lines yield nil.
func (f *FileFetcher) decode(data []byte, tooLong bool, tenantID, provider string, flow model.Flow, date time.Time, lineNo int) (*model.UsageRecord, error) {
	if tooLong {
		return nil, fmt.Errorf("line exceeds %d bytes", maxLineBytes)
	}
	raw := bytes.TrimSpace(data)
	if len(raw) == 0 {
		return nil, nil
	}
	var line exportLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return nil, err
	}
	rec, err := line.record(tenantID, provider, flow, date, lineNo)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// readLine returns the next line without its newline. A line longer than
// maxLineBytes is consumed in full and returned empty with tooLong set.
func readLine(r *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, readErr := r.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineBytes+1 {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}
		return bytes.TrimSuffix(line, []byte{'\n'}), tooLong, readErr
	}
}

func (l exportLine) record(tenantID, provider string, flow model.Flow, date time.Time, lineNo int) (model.UsageRecord, error) {
	id := l.ID
	if id == "" {
		id = model.RecordID("usage", tenantID, provider, string(flow), model.FormatDate(date), strconv.Itoa(lineNo))
	}
	rec := model.UsageRecord{
		ID:         id,
		TenantID:   tenantID,
		Provider:   provider,
		Flow:       flow,
		ProductKey: strings.TrimSpace(l.ProductKey),
		UsageDate:  date,
		Unit:       l.Unit,
	}

	switch flow {
	case model.FlowPAYG:
		tokens, err := l.tokens(provider, &rec)
		if err != nil {
			return model.UsageRecord{}, err
		}
		rec.Tokens = tokens
		if rec.Unit == "" {
			rec.Unit = "tokens"
		}
	case model.FlowCommitment:
		if l.CapacityUnits != nil && l.ActiveHours != nil {
			rec.Capacity = &model.CapacityUsage{CapacityUnits: *l.CapacityUnits, ActiveHours: *l.ActiveHours}
		}
		if rec.Unit == "" {
			rec.Unit = "capacity-hours"
		}
	case model.FlowInfrastructure:
		if l.Hours != nil {
			instance := l.InstanceID
			if instance == "" {
				instance = id
			}
			rec.Instance = &model.InstanceUsage{InstanceID: instance, Hours: *l.Hours}
		}
		if rec.Unit == "" {
			rec.Unit = "instance-hours"
		}
	}
	return rec, nil
}

// tokens prefers explicit counts, then the usage block of a captured
// response, then counting the exchange text. A captured response also
// supplies the product key when the line has none.
func (l exportLine) tokens(provider string, rec *model.UsageRecord) (*model.TokenUsage, error) {
	if l.InputTokens != nil || l.OutputTokens != nil {
		t := &model.TokenUsage{}
		if l.InputTokens != nil {
			t.InputTokens = *l.InputTokens
		}
		if l.OutputTokens != nil {
			t.OutputTokens = *l.OutputTokens
		}
		return t, nil
	}
	if len(l.Response) > 0 && string(l.Response) != "null" {
		usage, err := parseResponseUsage(provider, l.Response)
		if err != nil {
			return nil, err
		}
		if usage != nil {
			if rec.ProductKey == "" {
				rec.ProductKey = usage.Model
			}
			return &model.TokenUsage{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens}, nil
		}
	}
	if l.Prompt == "" && l.Completion == "" {
		return nil, nil
	}
	in, out, err := tokenizer.CountExchange(l.Prompt, l.Completion, provider, rec.ProductKey)
	if err != nil {
		return nil, err
	}
	return &model.TokenUsage{InputTokens: in, OutputTokens: out}, nil
}
