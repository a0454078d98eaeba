// Package parser extracts LogRecords from raw Nginx combined-log-format
// lines.
package parser

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/muhamadyani/nginx-sentinel/pkg/models"
)

// combinedLogRegex matches the canonical combined log format:
//
//	1.2.3.4 - - [10/Oct/2023:13:55:36 +0000] "GET /index.html HTTP/1.1" 404 1234 "-" "curl/7.68.0"
//
// Group 1: remote address, 2: method, 3: path, 4: status, 5: user agent.
var combinedLogRegex = regexp.MustCompile(
	`^(\S+) \S+ \S+ \[[^\]]+\] "(\S+) (\S+) \S+" (\d{3}) \S+ "[^"]*" "([^"]*)"`,
)

// Parser extracts LogRecords from raw lines and counts lines it could
// not parse.
type Parser struct {
	parseErrors uint64
}

// New creates a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse extracts a LogRecord from line, stamping it with observedAt
// (supplied by the caller from a monotonic clock — the log's own
// timestamp is never trusted for window arithmetic). ok is false when
// the line doesn't match the expected format or carries an
// unparseable source IP; such lines are dropped and counted.
func (p *Parser) Parse(line string, observedAt time.Time) (*models.LogRecord, bool) {
	if !utf8.ValidString(line) {
		line = strings.ToValidUTF8(line, "�")
	}

	m := combinedLogRegex.FindStringSubmatch(line)
	if m == nil {
		atomic.AddUint64(&p.parseErrors, 1)
		return nil, false
	}

	ip := net.ParseIP(m[1])
	if ip == nil {
		atomic.AddUint64(&p.parseErrors, 1)
		return nil, false
	}

	status, err := strconv.Atoi(m[4])
	if err != nil {
		atomic.AddUint64(&p.parseErrors, 1)
		return nil, false
	}

	return &models.LogRecord{
		SourceIP:   ip,
		Method:     m[2],
		Path:       m[3],
		Status:     status,
		UserAgent:  m[5],
		ObservedAt: observedAt,
	}, true
}

// ParseErrors returns the running count of lines that failed to parse.
func (p *Parser) ParseErrors() uint64 {
	return atomic.LoadUint64(&p.parseErrors)
}
