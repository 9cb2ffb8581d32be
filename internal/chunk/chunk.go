// ABOUTME: Splits long replies into transport-sized chunks on line boundaries
// ABOUTME: Fenced code blocks cut by a split are closed and re-opened in the next chunk

package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultMax is the per-message limit used by most chat transports.
const DefaultMax = 4096

const closeFence = "```"

// Split breaks text into chunks of at most max runes. Breaks fall between
// lines where possible. A chunk that ends inside a fenced code block gets a
// closing fence, and the next chunk starts by re-opening it with the same
// opener line. A max of zero or less means DefaultMax.
func Split(text string, max int) []string {
	if max <= 0 {
		max = DefaultMax
	}
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	s := &splitter{max: max}
	for _, line := range strings.Split(text, "\n") {
		s.addLine(line)
	}
	s.flush()
	return s.chunks
}

type splitter struct {
	max    int
	chunks []string

	buf    strings.Builder
	bufLen int  // runes in buf
	inBuf  bool // buf holds at least one line
	fresh  bool // buf holds only a re-opened fence

	// opener is the fence line of the currently open code block, or "".
	opener string
}

// reserve is the room kept free to close an open fence.
func (s *splitter) reserve() int {
	if s.opener == "" {
		return 0
	}
	return 1 + len(closeFence)
}

func (s *splitter) addLine(line string) {
	isFence := strings.HasPrefix(strings.TrimSpace(line), closeFence)
	n := utf8.RuneCountInString(line)

	need := n
	if s.inBuf {
		need++
	}
	if need > s.room(isFence) && s.inBuf && !s.fresh {
		s.breakChunk()
		need = n
		if s.inBuf {
			need++
		}
	}

	if need > s.room(isFence) {
		s.hardSplit(line)
	} else {
		s.write(line)
		s.fresh = false
	}

	if isFence {
		if s.opener == "" {
			s.opener = strings.TrimSpace(line)
		} else {
			s.opener = ""
		}
	}
}

// room is how many runes the next line may use. An opening fence must
// leave space to be closed again; a closing fence may use the space kept
// for itself.
func (s *splitter) room(isFence bool) int {
	room := s.max - s.bufLen - s.reserve()
	if isFence {
		if s.opener == "" {
			room -= 1 + len(closeFence)
		} else {
			room += s.reserve()
		}
	}
	return room
}

// hardSplit writes a line that cannot fit in one chunk, cutting it into
// as many pieces as needed.
func (s *splitter) hardSplit(line string) {
	runes := []rune(line)
	for len(runes) > 0 {
		room := s.max - s.bufLen - s.reserve()
		if s.inBuf {
			room--
		}
		if room <= 0 {
			if !s.fresh {
				s.breakChunk()
				continue
			}
			room = 1
		}
		take := min(room, len(runes))
		s.write(string(runes[:take]))
		s.fresh = false
		runes = runes[take:]
		if len(runes) > 0 {
			s.breakChunk()
		}
	}
}

func (s *splitter) write(line string) {
	if s.inBuf {
		s.buf.WriteByte('\n')
		s.bufLen++
	}
	s.buf.WriteString(line)
	s.bufLen += utf8.RuneCountInString(line)
	s.inBuf = true
}

// breakChunk ends the current chunk, closing and re-opening any open fence.
func (s *splitter) breakChunk() {
	if s.opener != "" {
		s.write(closeFence)
	}
	s.chunks = append(s.chunks, s.buf.String())
	s.buf.Reset()
	s.bufLen = 0
	s.inBuf = false
	if s.opener != "" {
		s.write(s.opener)
	}
	s.fresh = true
}

func (s *splitter) flush() {
	if s.inBuf && strings.TrimSpace(s.buf.String()) != "" {
		s.chunks = append(s.chunks, s.buf.String())
	}
}
