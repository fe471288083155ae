package lagframe

import "fmt"

// FrameValidator identifies which baseline a frame carries from its header.
type FrameValidator interface {
	// BaselineID returns the baseline encoded in header, which holds at
	// least HeaderBytes bytes.
	BaselineID(header []byte) (int, error)
	// Header returns the header bytes that identify baseline.
	Header(baseline int) ([HeaderBytes]byte, error)
}

// RepetitionValidator accepts headers of four identical bytes. The common
// byte is the baseline id; 255 is reserved and never valid.
type RepetitionValidator struct{}

const repetitionInvalid = 255

func (RepetitionValidator) BaselineID(header []byte) (int, error) {
	if len(header) < HeaderBytes {
		return 0, ErrIncompleteFrame
	}
	b := header[0]
	if b == repetitionInvalid || header[1] != b || header[2] != b || header[3] != b {
		return 0, newHeaderError(header)
	}
	return int(b), nil
}

func (RepetitionValidator) Header(baseline int) ([HeaderBytes]byte, error) {
	if baseline < 0 || baseline >= repetitionInvalid {
		return [HeaderBytes]byte{}, fmt.Errorf("baseline %d cannot be encoded: %w", baseline, ErrUnrecognizedBaseline)
	}
	b := byte(baseline)
	return [HeaderBytes]byte{b, b, b, b}, nil
}

// baselineMarkers lists the distinct header of each baseline. Baselines 0-5
// use descending letter quads, 6-14 a repeated digit.
var baselineMarkers = [][HeaderBytes]byte{
	{'D', 'C', 'B', 'A'},
	{'H', 'G', 'F', 'E'},
	{'L', 'K', 'J', 'I'},
	{'P', 'O', 'N', 'M'},
	{'T', 'S', 'R', 'Q'},
	{'X', 'W', 'V', 'U'},
	{'9', '9', '9', '9'},
	{'1', '1', '1', '1'},
	{'2', '2', '2', '2'},
	{'3', '3', '3', '3'},
	{'4', '4', '4', '4'},
	{'5', '5', '5', '5'},
	{'6', '6', '6', '6'},
	{'7', '7', '7', '7'},
	{'8', '8', '8', '8'},
}

// MarkerTableValidator looks the header up in a table of per-baseline
// markers.
type MarkerTableValidator struct {
	// Baselines limits the table to the first n entries. Zero uses the
	// whole table.
	Baselines int
}

func (v MarkerTableValidator) table() [][HeaderBytes]byte {
	if v.Baselines > 0 && v.Baselines < len(baselineMarkers) {
		return baselineMarkers[:v.Baselines]
	}
	return baselineMarkers
}

func (v MarkerTableValidator) BaselineID(header []byte) (int, error) {
	if len(header) < HeaderBytes {
		return 0, ErrIncompleteFrame
	}
	var h [HeaderBytes]byte
	copy(h[:], header)
	for i, m := range v.table() {
		if m == h {
			return i, nil
		}
	}
	return 0, newHeaderError(header)
}

func (v MarkerTableValidator) Header(baseline int) ([HeaderBytes]byte, error) {
	t := v.table()
	if baseline < 0 || baseline >= len(t) {
		return [HeaderBytes]byte{}, fmt.Errorf("baseline %d has no marker: %w", baseline, ErrUnrecognizedBaseline)
	}
	return t[baseline], nil
}

// NewValidator returns the FrameValidator for a layout. Positional layouts
// have no per-frame header and return nil.
func NewValidator(l Layout) FrameValidator {
	switch l.Validator {
	case ValidatorRepetition:
		return RepetitionValidator{}
	case ValidatorMarkerTable:
		return MarkerTableValidator{Baselines: l.BaselineCount()}
	default:
		return nil
	}
}
