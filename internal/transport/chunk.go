package transport

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ChunkSize bounds one data-channel frame's payload. SCTP data channels
// handle 16 KiB messages across browsers and pion alike.
const ChunkSize = 16 * 1024

const (
	frameMsg   = "msg"
	frameChunk = "chunk"
)

// frame is the unit actually crossing the data channel. Kind "msg"
// carries a complete payload in Data; kind "chunk" carries piece N of
// Total for transfer ID.
type frame struct {
	Kind  string `json:"kind"`
	ID    string `json:"id,omitempty"`
	N     int    `json:"n,omitempty"`
	Total int    `json:"total,omitempty"`
	Data  []byte `json:"data"`
}

func encodeFrame(f frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	switch f.Kind {
	case frameMsg, frameChunk:
		return f, nil
	default:
		return frame{}, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
}

// MsgFrames wraps a payload in a single untagged frame.
func MsgFrames(payload []byte) [][]byte {
	encoded, err := encodeFrame(frame{Kind: frameMsg, Data: payload})
	if err != nil {
		// a []byte field cannot fail to marshal
		panic(err)
	}
	return [][]byte{encoded}
}

// SplitFrames cuts a tagged payload into encoded chunk frames. Even a
// payload smaller than one chunk yields a single chunk frame, so the
// receiving side always observes at least one progress event per
// transfer.
func SplitFrames(transferID string, payload []byte) [][]byte {
	total := (len(payload) + ChunkSize - 1) / ChunkSize
	if total == 0 {
		total = 1
	}
	frames := make([][]byte, 0, total)
	for n := 0; n < total; n++ {
		start := n * ChunkSize
		end := min(start+ChunkSize, len(payload))
		encoded, err := encodeFrame(frame{
			Kind:  frameChunk,
			ID:    transferID,
			N:     n,
			Total: total,
			Data:  payload[start:end],
		})
		if err != nil {
			panic(err)
		}
		frames = append(frames, encoded)
	}
	return frames
}

// Assembler reassembles chunk streams per transfer id and surfaces
// arrival progress. Safe for one feeding goroutine plus a concurrent
// Discard on connection teardown.
type Assembler struct {
	mu      sync.Mutex
	pending map[string]*pendingTransfer
}

type pendingTransfer struct {
	chunks   [][]byte
	received int
}

func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*pendingTransfer)}
}

// Feed consumes one encoded frame. It returns the completed payload when
// the frame finishes a message or a tagged transfer, and a progress
// event for every chunk frame.
func (a *Assembler) Feed(data []byte) (payload []byte, done bool, ev *ProgressEvent, err error) {
	f, err := decodeFrame(data)
	if err != nil {
		return nil, false, nil, err
	}

	switch f.Kind {
	case frameMsg:
		return f.Data, true, nil, nil
	case frameChunk:
		if f.Total < 1 || f.N < 0 || f.N >= f.Total {
			return nil, false, nil, fmt.Errorf("chunk %d/%d out of range", f.N, f.Total)
		}

		a.mu.Lock()
		defer a.mu.Unlock()

		p, ok := a.pending[f.ID]
		if !ok {
			p = &pendingTransfer{chunks: make([][]byte, f.Total)}
			a.pending[f.ID] = p
		}
		if len(p.chunks) != f.Total {
			delete(a.pending, f.ID)
			return nil, false, nil, fmt.Errorf("chunk total changed mid-transfer for %s", f.ID)
		}
		if p.chunks[f.N] == nil {
			p.chunks[f.N] = f.Data
			p.received++
		}
		ev = &ProgressEvent{TransferID: f.ID, N: p.received, Total: f.Total}
		if p.received == f.Total {
			delete(a.pending, f.ID)
			var out []byte
			for _, c := range p.chunks {
				out = append(out, c...)
			}
			return out, true, ev, nil
		}
		return nil, false, ev, nil
	}
	return nil, false, nil, fmt.Errorf("unknown frame kind %q", f.Kind)
}

// Discard drops all in-flight reassembly state; used when the connection
// closes so no tracker waits on a transfer that will never finish.
func (a *Assembler) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = make(map[string]*pendingTransfer)
}
