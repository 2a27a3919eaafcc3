package assistant

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"scm-relay/internal/domain"
)

const (
	eventField = "event:"
	dataField  = "data:"
)

// Decoder turns a server-sent-event byte stream into StreamEvent values.
//
// Lines are classified by prefix. An event line sets the current event name,
// a data line yields one StreamEvent under that name, and a blank line ends
// the logical event and clears the name. Other lines (comments, id, retry)
// are ignored. A Decoder is bound to one stream and is not reusable.
type Decoder struct {
	r     *bufio.Reader
	event string
	eof   bool
}

// NewDecoder returns a Decoder reading from r. Reads may return arbitrary
// chunks; a partial trailing line is held until its newline arrives.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF once the underlying reader is
// exhausted. A *DecodeError is reported for a single bad event and the
// Decoder stays usable; any other error comes from the reader.
func (d *Decoder) Next() (domain.StreamEvent, error) {
	for {
		if d.eof {
			return domain.StreamEvent{}, io.EOF
		}
		line, err := d.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return domain.StreamEvent{}, err
			}
			// A final line without a newline still counts once the
			// transport has closed.
			d.eof = true
			if line == "" {
				return domain.StreamEvent{}, io.EOF
			}
		}
		ev, ok, decErr := d.classify(strings.TrimRight(line, "\r\n"))
		if decErr != nil {
			return ev, decErr
		}
		if ok {
			return ev, nil
		}
	}
}

func (d *Decoder) classify(line string) (domain.StreamEvent, bool, error) {
	switch {
	case line == "":
		d.event = ""
	case strings.HasPrefix(line, eventField):
		d.event = fieldValue(line, eventField)
	case strings.HasPrefix(line, dataField):
		data := fieldValue(line, dataField)
		if d.event == "" {
			return domain.StreamEvent{Data: data}, false, &DecodeError{Data: data, Err: ErrDataWithoutEvent}
		}
		return domain.StreamEvent{Name: d.event, Data: data}, true, nil
	}
	return domain.StreamEvent{}, false, nil
}

func fieldValue(line, field string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, field))
}
