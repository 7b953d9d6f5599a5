package dropout

import "github.com/samcharles93/fmha/internal/params"

// Width selects the fixed-point threshold the random value is compared with.
type Width uint8

const (
	Width32 Width = iota
	Width16
)

// Mask decides keep/drop for every (sequence, head, query, key) element of one
// call. It is a pure function of its fields, so the backward pass rebuilds
// exactly the forward pass's mask from the same State.
type Mask struct {
	State   State
	Heads   int
	Dropout params.Dropout
	Width   Width
}

// Enabled reports whether any element may be dropped.
func (m *Mask) Enabled() bool { return m != nil && m.Dropout.Enabled() }

// block returns the Philox output covering keys [k&^3, k|3] of a query row.
func (m *Mask) block(b, h, q, k int) [4]uint32 {
	slot := m.State.Offset + uint64((b*m.Heads+h)*32) + uint64((k/4)%32)
	ctr := [4]uint32{uint32(slot), uint32(slot >> 32), uint32(q), uint32(k / 128)}
	key := [2]uint32{uint32(m.State.Seed), uint32(m.State.Seed >> 32)}
	return Philox4x32(ctr, key)
}

func (m *Mask) keep(r uint32) bool {
	if m.Width == Width16 {
		return uint16(r>>16) <= m.Dropout.KeepUint16
	}
	return r <= m.Dropout.KeepUint32
}

// Keep reports whether element (b, h, q, k) survives. q and k are positions
// within the sequence.
func (m *Mask) Keep(b, h, q, k int) bool {
	if !m.Enabled() {
		return true
	}
	return m.keep(m.block(b, h, q, k)[k%4])
}

// Fill writes decisions for a rows x cols tile whose top-left element is
// (q0, k0) into dst, row-major with stride cols.
func (m *Mask) Fill(dst []bool, b, h, q0, k0, rows, cols int) {
	if !m.Enabled() {
		for i := range dst[:rows*cols] {
			dst[i] = true
		}
		return
	}
	for i := range rows {
		row := dst[i*cols : (i+1)*cols]
		for j := 0; j < cols; {
			k := k0 + j
			r := m.block(b, h, q0+i, k)
			for lane := k % 4; lane < 4 && j < cols; lane++ {
				row[j] = m.keep(r[lane])
				j++
			}
		}
	}
}
