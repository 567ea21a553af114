package ddclient

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type RejectionKind string

const (
	KindAuddis RejectionKind = "auddis"
	KindArudd  RejectionKind = "arudd"
)

var ErrEmptyFile = errors.New("rejection file payload is empty")

// RejectionAdvice is one rejected mandate or returned debit. Reference and
// Date are required for the advice to be matched.
type RejectionAdvice struct {
	Kind      RejectionKind
	Reference string `validate:"required"`
	Date      string `validate:"required"`
	Amount    string
	Reason    string
	PayerName string
}

// RejectionFile is a decoded AUDDIS or ARUDD document.
type RejectionFile struct {
	Kind       RejectionKind
	FileId     string
	ReportDate *time.Time
	Advices    []RejectionAdvice
	Checksum   string
	Raw        []byte
}

// DecodeRejectionFile undoes the transport encoding of a file payload:
// spaces stand for '+', the result is base64 and wraps an XML document.
func DecodeRejectionFile(kind RejectionKind, encoded string) (*RejectionFile, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, ErrEmptyFile
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(encoded, " ", "+"))
	if err != nil {
		return nil, err
	}
	return ParseRejectionXML(kind, raw)
}

// ParseRejectionXML reads advices out of an already decoded document.
func ParseRejectionXML(kind RejectionKind, raw []byte) (*RejectionFile, error) {
	root, err := ParseXML(raw)
	if err != nil {
		return nil, err
	}
	file := &RejectionFile{
		Kind:     kind,
		Raw:      raw,
		Checksum: strconv.FormatUint(xxhash.Sum64(raw), 16),
	}
	data := dataNode(root)

	switch kind {
	case KindAuddis:
		file.ReportDate = parseReportDate(data.First("MessagingAdvices", "Header").Attr("report-generation-date"))
		for _, n := range data.Path("MessagingAdvices", "MessagingAdvice") {
			file.Advices = append(file.Advices, RejectionAdvice{
				Kind:      kind,
				Reference: strings.TrimSpace(n.Attr("reference")),
				Date:      strings.TrimSpace(n.Attr("effective-date")),
				Reason:    strings.TrimSpace(n.Attr("reason-code")),
				PayerName: strings.TrimSpace(n.Attr("payer-name")),
			})
		}
	case KindArudd:
		file.ReportDate = parseReportDate(data.First("ARUDD", "Header").Attr("currentProcessingDate"))
		for _, n := range data.Path("ARUDD", "Advice", "OriginatingAccountRecords", "OriginatingAccountRecord", "ReturnedDebitItem") {
			payer := ""
			if pa := n.Child("PayerAccount"); pa != nil {
				payer = strings.TrimSpace(pa.Attr("name"))
			}
			file.Advices = append(file.Advices, RejectionAdvice{
				Kind:      kind,
				Reference: strings.TrimSpace(n.Attr("ref")),
				Date:      strings.TrimSpace(n.Attr("originalProcessingDate")),
				Amount:    strings.TrimSpace(n.Attr("valueOf")),
				Reason:    strings.TrimSpace(n.Attr("returnDescription")),
				PayerName: payer,
			})
		}
	default:
		return nil, errors.New("unknown rejection kind " + string(kind))
	}
	return file, nil
}

// dataNode tolerates documents with or without the outer BACSDocument wrapper.
func dataNode(root *Node) *Node {
	if root.Name == "Data" {
		return root
	}
	if d := root.Child("Data"); d != nil {
		return d
	}
	if found := root.Find("Data"); len(found) > 0 {
		return found[0]
	}
	return root
}

func parseReportDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{apiDateLayout, "2006-01-02T15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	if len(s) >= len(apiDateLayout) {
		if t, err := time.Parse(apiDateLayout, s[:len(apiDateLayout)]); err == nil {
			return &t
		}
	}
	return nil
}
