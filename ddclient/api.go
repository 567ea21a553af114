package ddclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/ddsync_backend/utils"
	"github.com/shopspring/decimal"
)

const apiDateLayout = "2006-01-02"

var (
	// ErrRequestFailed wraps every non-successful service response.
	ErrRequestFailed = errors.New("collection service request failed")
	ErrMissingFileId = errors.New("file id is required")
)

// Mandate lifecycle states as reported by the audit log.
const (
	StateDraft     = 0
	StateNew       = 1
	StateLive      = 10
	StateCancelled = 11
	StateRejected  = 12
)

type SystemStatus struct {
	APIVersion   string   `json:"api_version"`
	Login        string   `json:"login"`
	ServiceUsers []string `json:"service_users"`
	Status       string   `json:"status"`
}

// AuditDetail is one mandate row of the audit-log listing.
type AuditDetail struct {
	ReferenceNumber string
	CurrentState    int
	DefaultAmount   string
	FirstAmount     string
	FrequencyType   string
	FrequencyFactor int
	StartDate       string
	FirstName       string
	LastName        string
	Attributes      map[string]string
}

// CollectionRow is one success or reject line of a collection report.
type CollectionRow struct {
	Reference   string
	ReceiveDate string
	Amount      decimal.Decimal
	Success     bool
	PayerName   string
}

type CollectionReport struct {
	Date          time.Time
	Rows          []CollectionRow
	Summary       map[string]any
	SuccessCount  int
	SuccessAmount decimal.Decimal
	RejectCount   int
	RejectAmount  decimal.Decimal
}

// Empty reports whether the service had nothing for the date.
func (r *CollectionReport) Empty() bool {
	return len(r.Rows) == 0
}

// FileRef names one AUDDIS or ARUDD file available for download.
type FileRef struct {
	Id   string
	Date *time.Time
}

// ReportError formats a failed response the way operators expect to read it.
func ReportError(resp *Response, requestURL string, reference string) string {
	var msg string
	switch {
	case resp.Root != nil && resp.Root.First("head", "title") != nil:
		msg = resp.Root.First("head", "title").Text
	case resp.Error == "Database is empty.":
		msg = "Transaction Ref " + reference + " not found!"
	default:
		msg = fmt.Sprintf("%d: %s", resp.StatusCode, resp.Message)
	}
	return msg + " Request URL: " + requestURL
}

func (c *Client) failure(path string, query string, resp *Response, reference string) error {
	u, _ := BuildURL(c.opts.BaseURL, path, query)
	msg := ReportError(resp, u, reference)
	c.logger.WithField("module", "ddclient").Error("collection service: " + msg)
	return fmt.Errorf("%w: %s", ErrRequestFailed, msg)
}

// serviceQuery starts every query with the service user; extra pairs follow in order.
func (c *Client) serviceQuery(extra ...string) string {
	var b strings.Builder
	b.WriteString("query[service_user][pslid]=")
	b.WriteString(url.QueryEscape(c.opts.ServiceUser))
	for i := 0; i+1 < len(extra); i += 2 {
		if extra[i+1] == "" {
			continue
		}
		b.WriteString("&")
		b.WriteString(extra[i])
		b.WriteString("=")
		b.WriteString(url.QueryEscape(extra[i+1]))
	}
	return b.String()
}

func (c *Client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	const path = "api/system_status"
	resp := c.Post(ctx, path, "", nil, FormatXML)
	if !resp.Success {
		return nil, c.failure(path, "", resp, "")
	}
	root := resp.Root
	status := &SystemStatus{
		APIVersion: root.Attr("api_version"),
		Status:     root.Attr("Status"),
	}
	if user := root.Child("user"); user != nil {
		status.Login = user.Attr("login")
		for _, su := range user.Path("assigned_service_users", "service_user") {
			if id := su.Attr("pslid"); id != "" {
				status.ServiceUsers = append(status.ServiceUsers, id)
			}
		}
	}
	return status, nil
}

// AuditLog lists mandates. A non-empty reference restricts it to one payer.
func (c *Client) AuditLog(ctx context.Context, reference string) ([]AuditDetail, error) {
	const path = "api/data/auditlog"
	query := c.serviceQuery("query[report_format]", "XML", "query[reference_number]", reference)
	resp := c.Post(ctx, path, query, nil, FormatXML)
	if !resp.Success {
		return nil, c.failure(path, query, resp, reference)
	}
	var details []AuditDetail
	for _, n := range resp.Root.Path("Data", "AuditDetails") {
		details = append(details, auditDetailFromNode(n))
	}
	// Some accounts return the rows directly under the root.
	if len(details) == 0 {
		for _, n := range resp.Root.ChildrenNamed("AuditDetails") {
			details = append(details, auditDetailFromNode(n))
		}
	}
	return details, nil
}

func auditDetailFromNode(n *Node) AuditDetail {
	attrs := make(map[string]string, len(n.Attrs))
	for k, v := range n.Attrs {
		attrs[k] = v
	}
	state, _ := strconv.Atoi(strings.TrimSpace(n.Attr("current_state")))
	factor, _ := strconv.Atoi(strings.TrimSpace(n.Attr("frequency_factor")))
	return AuditDetail{
		ReferenceNumber: strings.TrimSpace(n.Attr("reference_number")),
		CurrentState:    state,
		DefaultAmount:   n.Attr("default_amount"),
		FirstAmount:     n.Attr("first_amount"),
		FrequencyType:   strings.TrimSpace(n.Attr("frequency_type")),
		FrequencyFactor: factor,
		StartDate:       n.Attr("start_date"),
		FirstName:       n.Attr("first_name"),
		LastName:        n.Attr("last_name"),
		Attributes:      attrs,
	}
}

// CollectionReport fetches the successes and rejects collected on date as one list.
func (c *Client) CollectionReport(ctx context.Context, date time.Time) (*CollectionReport, error) {
	if date.IsZero() {
		return nil, errors.New("collection date is required")
	}
	const path = "api/get_successful_collection_report"
	query := c.serviceQuery("query[collection_date]", date.Format(apiDateLayout))
	resp := c.Post(ctx, path, query, nil, FormatXML)
	if !resp.Success {
		return nil, c.failure(path, query, resp, "")
	}
	report := &CollectionReport{
		Date:          date,
		SuccessAmount: decimal.Zero,
		RejectAmount:  decimal.Zero,
	}
	if summary := resp.Root.Child("Summary"); summary != nil {
		report.Summary = summary.Map()
	}
	for _, n := range resp.Root.Path("Successes", "Success") {
		row := collectionRowFromNode(n, true)
		report.Rows = append(report.Rows, row)
		report.SuccessCount++
		report.SuccessAmount = report.SuccessAmount.Add(row.Amount)
	}
	for _, n := range resp.Root.Path("Rejects", "Rejected") {
		row := collectionRowFromNode(n, false)
		report.Rows = append(report.Rows, row)
		report.RejectCount++
		report.RejectAmount = report.RejectAmount.Add(row.Amount)
	}
	return report, nil
}

func collectionRowFromNode(n *Node, success bool) CollectionRow {
	amount, _ := utils.CleanAmount(firstNonEmpty(n.Attr("amount"), n.Attr("value")))
	payer := n.Attr("account_name")
	if payer == "" {
		payer = strings.TrimSpace(n.Attr("first_name") + " " + n.Attr("last_name"))
	}
	return CollectionRow{
		Reference:   strings.TrimSpace(firstNonEmpty(n.Attr("reference_number"), n.Attr("reference"))),
		ReceiveDate: strings.TrimSpace(firstNonEmpty(n.Attr("receive_date"), n.Attr("debit_date"), n.Attr("date"))),
		Amount:      amount,
		Success:     success,
		PayerName:   payer,
	}
}

func (c *Client) AuddisList(ctx context.Context, from, to time.Time) ([]FileRef, error) {
	return c.fileList(ctx, "api/auddis/list", "auddis", from, to)
}

func (c *Client) AruddList(ctx context.Context, from, to time.Time) ([]FileRef, error) {
	return c.fileList(ctx, "api/arudd/list", "arudd", from, to)
}

func (c *Client) fileList(ctx context.Context, path, element string, from, to time.Time) ([]FileRef, error) {
	query := c.serviceQuery("query[from_date]", from.Format(apiDateLayout), "query[till_date]", to.Format(apiDateLayout))
	resp := c.Post(ctx, path, query, nil, FormatXML)
	if !resp.Success {
		return nil, c.failure(path, query, resp, "")
	}
	var refs []FileRef
	for _, n := range resp.Root.Find(element) {
		id := strings.TrimSpace(n.Attr("id"))
		if id == "" {
			continue
		}
		ref := FileRef{Id: id}
		raw := firstNonEmpty(n.Attr("report_generation_date"), n.Attr("report-generation-date"),
			n.Attr("current_processing_date"), n.Attr("currentProcessingDate"), n.Attr("date"))
		if t, err := time.Parse(apiDateLayout, firstN(raw, len(apiDateLayout))); err == nil {
			ref.Date = &t
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// AuddisFile downloads and decodes one AUDDIS file.
func (c *Client) AuddisFile(ctx context.Context, fileId string) (*RejectionFile, error) {
	return c.rejectionFile(ctx, KindAuddis, "api/auddis/", fileId)
}

// AruddFile downloads and decodes one ARUDD file.
func (c *Client) AruddFile(ctx context.Context, fileId string) (*RejectionFile, error) {
	return c.rejectionFile(ctx, KindArudd, "api/arudd/", fileId)
}

func (c *Client) rejectionFile(ctx context.Context, kind RejectionKind, prefix string, fileId string) (*RejectionFile, error) {
	if strings.TrimSpace(fileId) == "" {
		return nil, ErrMissingFileId
	}
	path := prefix + url.PathEscape(fileId)
	query := c.serviceQuery()
	resp := c.Post(ctx, path, query, nil, FormatXML)
	if !resp.Success {
		return nil, c.failure(path, query, resp, "")
	}
	encoded := resp.Root.Attr("file")
	file, err := DecodeRejectionFile(kind, encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s file %s: %w", kind, fileId, err)
	}
	file.FileId = fileId
	return file, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstN(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
