// Package idgen formats the clinic's persisted identifiers and derives the
// next sequence number in a scope from the highest identifier already stored
// there. The formats are fixed:
//
//	RM{year:4}{seq:05d}          patient record number, scoped to the year
//	{code}-{seq:02d}             queue number, scoped to doctor and date
//	INV-{YYYYMMDD}-{seq:04d}     invoice number, scoped to the calendar day
//
// Callers are responsible for serializing generation per scope.
package idgen

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

func RecordPrefix(year int) string { return fmt.Sprintf("RM%04d", year) }

func RecordNumber(year, seq int) string {
	return fmt.Sprintf("%s%05d", RecordPrefix(year), seq)
}

// NextRecordNumber returns the record number following last in year. An
// empty or unparsable last restarts the sequence at 1.
func NextRecordNumber(year int, last string) string {
	prefix := RecordPrefix(year)
	if !strings.HasPrefix(last, prefix) {
		return RecordNumber(year, 1)
	}
	return RecordNumber(year, next(strings.TrimPrefix(last, prefix)))
}

// DoctorCode is the uppercased first three letters of the doctor's given
// name, padded with X.
func DoctorCode(givenName string) string {
	code := make([]rune, 0, 3)
	for _, r := range givenName {
		if len(code) == 3 {
			break
		}
		if unicode.IsLetter(r) {
			code = append(code, unicode.ToUpper(r))
		}
	}
	for len(code) < 3 {
		code = append(code, 'X')
	}
	return string(code)
}

func QueueNumber(code string, seq int) string {
	return fmt.Sprintf("%s-%02d", code, seq)
}

// NextQueueNumber returns the queue number following last for the doctor
// code. Only the numeric suffix of last is used so a renamed doctor keeps
// counting within the same day.
func NextQueueNumber(code, last string) string {
	return QueueNumber(code, QueueSeq(last)+1)
}

// QueueSeq is the numeric suffix of a queue number, or 0 when it has none.
// Queue numbers of one doctor and day order by it, whatever their code.
func QueueSeq(number string) int {
	i := strings.LastIndex(number, "-")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(number[i+1:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func InvoicePrefix(day time.Time) string {
	return "INV-" + day.Format("20060102") + "-"
}

func InvoiceNumber(day time.Time, seq int) string {
	return fmt.Sprintf("%s%04d", InvoicePrefix(day), seq)
}

// NextInvoiceNumber returns the invoice number following last on day.
func NextInvoiceNumber(day time.Time, last string) string {
	prefix := InvoicePrefix(day)
	if !strings.HasPrefix(last, prefix) {
		return InvoiceNumber(day, 1)
	}
	return InvoiceNumber(day, next(strings.TrimPrefix(last, prefix)))
}

// next parses a sequence suffix and adds one. Anything unparsable yields 1.
func next(suffix string) int {
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 1
	}
	return n + 1
}
