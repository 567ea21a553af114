package ddclient

import (
	"net/http"
	"strings"
)

type Format string

const (
	FormatXML Format = "XML"
	FormatCSV Format = "CSV"
)

// StatusTransportError is reported when no HTTP response was received.
const StatusTransportError = -1

// Response is the normalised outcome of one call. Success depends on the
// HTTP status alone.
type Response struct {
	StatusCode int
	Success    bool
	Message    string
	Error      string
	Root       *Node
	Rows       []string
	Raw        []byte
}

func statusMessage(code int) string {
	switch code {
	case http.StatusOK:
		return "OK"
	case http.StatusBadRequest:
		return "BAD REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusNotFound:
		return "NOT FOUND"
	case http.StatusUnprocessableEntity:
		return "UNPROCESSABLE ENTITY"
	default:
		return "Unknown Error"
	}
}

func transportFailure(err error) *Response {
	return &Response{
		StatusCode: StatusTransportError,
		Success:    false,
		Message:    "transport error",
		Error:      err.Error(),
	}
}

// newResponse decodes body per format. A body that fails to decode leaves
// Root nil; the status mapping still applies.
func newResponse(code int, body []byte, format Format) *Response {
	resp := &Response{
		StatusCode: code,
		Success:    code == http.StatusOK,
		Message:    statusMessage(code),
		Raw:        body,
	}
	switch format {
	case FormatCSV:
		resp.Rows = splitRows(string(body))
	default:
		if len(strings.TrimSpace(string(body))) > 0 {
			if root, err := ParseXML(body); err == nil {
				resp.Root = root
				resp.Error = root.Attr("error")
			} else {
				resp.Error = err.Error()
			}
		}
	}
	return resp
}

func splitRows(body string) []string {
	var rows []string
	for _, line := range strings.FieldsFunc(body, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if line != "" {
			rows = append(rows, line)
		}
	}
	return rows
}
