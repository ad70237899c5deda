package wire

import (
	"fmt"
	"math"

	"xdao.co/peerlog/internal/pb"
)

func (Ack) appendBody(b []byte) []byte { return b }

func (m *Ack) decodeBody(b []byte) error {
	return pb.Walk(b, pb.Unknown)
}

func (m AddedReplicationSegment) appendBody(b []byte) []byte {
	return appendSegments(b, 1, m.Segments)
}

func (m *AddedReplicationSegment) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		if f.Num != 1 {
			return pb.Unknown(f)
		}
		m.Segments, err = appendSegment(m.Segments, f)
		return err
	})
}

func (m AllReplicatingSegments) appendBody(b []byte) []byte {
	b = appendSegments(b, 1, m.Segments)
	return pb.AppendVarint(b, 2, uint64(m.Timestamp))
}

func (m *AllReplicatingSegments) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		switch f.Num {
		case 1:
			m.Segments, err = appendSegment(m.Segments, f)
			return err
		case 2:
			return varint(f, func(v uint64) { m.Timestamp = int64(v) })
		default:
			return pb.Unknown(f)
		}
	})
}

func (m StoppedReplicating) appendBody(b []byte) []byte {
	return pb.AppendVarint(b, 1, uint64(m.Timestamp))
}

func (m *StoppedReplicating) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) error {
		if f.Num != 1 {
			return pb.Unknown(f)
		}
		return varint(f, func(v uint64) { m.Timestamp = int64(v) })
	})
}

func (RequestReplicationInfo) appendBody(b []byte) []byte { return b }

func (m *RequestReplicationInfo) decodeBody(b []byte) error {
	return pb.Walk(b, pb.Unknown)
}

func (m ResponseRole) appendBody(b []byte) []byte {
	b = pb.AppendVarint(b, 1, uint64(m.Role))
	b = pb.AppendVarint(b, 2, m.Offset)
	b = pb.AppendVarint(b, 3, math.Float64bits(m.Factor))
	return pb.AppendVarint(b, 4, uint64(m.Timestamp))
}

func (m *ResponseRole) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) error {
		switch f.Num {
		case 1:
			return varint(f, func(v uint64) { m.Role = Role(v) })
		case 2:
			return varint(f, func(v uint64) { m.Offset = v })
		case 3:
			return varint(f, func(v uint64) { m.Factor = math.Float64frombits(v) })
		case 4:
			return varint(f, func(v uint64) { m.Timestamp = int64(v) })
		default:
			return pb.Unknown(f)
		}
	})
}

func (m ExchangeHeads) appendBody(b []byte) []byte {
	for _, h := range m.Heads {
		b = pb.AppendBytes(b, 1, h)
	}
	return b
}

func (m *ExchangeHeads) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		if f.Num != 1 {
			return pb.Unknown(f)
		}
		m.Heads, err = appendRaw(m.Heads, f)
		return err
	})
}

func (m EntryRequest) appendBody(b []byte) []byte {
	return appendCIDs(b, 1, m.Hashes)
}

func (m *EntryRequest) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		if f.Num != 1 {
			return pb.Unknown(f)
		}
		m.Hashes, err = appendCID(m.Hashes, f)
		return err
	})
}

func (m EntryResponse) appendBody(b []byte) []byte {
	for _, e := range m.Entries {
		b = pb.AppendBytes(b, 1, e)
	}
	return b
}

func (m *EntryResponse) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		if f.Num != 1 {
			return pb.Unknown(f)
		}
		m.Entries, err = appendRaw(m.Entries, f)
		return err
	})
}

func (m SimpleSyncRequest) appendBody(b []byte) []byte {
	b = appendSpans(b, 1, m.Spans)
	return appendCIDs(b, 2, m.Hashes)
}

func (m *SimpleSyncRequest) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		switch f.Num {
		case 1:
			m.Spans, err = appendSpan(m.Spans, f)
		case 2:
			m.Hashes, err = appendCID(m.Hashes, f)
		default:
			err = pb.Unknown(f)
		}
		return err
	})
}

func (m SimpleSyncResponse) appendBody(b []byte) []byte {
	b = appendCIDs(b, 1, m.RequesterLacks)
	return appendCIDs(b, 2, m.ResponderLacks)
}

func (m *SimpleSyncResponse) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		switch f.Num {
		case 1:
			m.RequesterLacks, err = appendCID(m.RequesterLacks, f)
		case 2:
			m.ResponderLacks, err = appendCID(m.ResponderLacks, f)
		default:
			err = pb.Unknown(f)
		}
		return err
	})
}

func (m IBLTStart) appendBody(b []byte) []byte {
	b = pb.AppendBytes(b, 1, m.Session[:])
	b = appendSpans(b, 2, m.Spans)
	b = pb.AppendVarint(b, 3, m.SetSize)
	return appendSymbols(b, 4, m.Symbols)
}

func (m *IBLTStart) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		switch f.Num {
		case 1:
			m.Session, err = decodeUUID(f)
		case 2:
			m.Spans, err = appendSpan(m.Spans, f)
		case 3:
			err = varint(f, func(v uint64) { m.SetSize = v })
		case 4:
			m.Symbols, err = appendSymbol(m.Symbols, f)
		default:
			err = pb.Unknown(f)
		}
		return err
	})
}

func (m IBLTMore) appendBody(b []byte) []byte {
	b = pb.AppendBytes(b, 1, m.Session[:])
	return appendSymbols(b, 2, m.Symbols)
}

func (m *IBLTMore) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		switch f.Num {
		case 1:
			m.Session, err = decodeUUID(f)
		case 2:
			m.Symbols, err = appendSymbol(m.Symbols, f)
		default:
			err = pb.Unknown(f)
		}
		return err
	})
}

func (m IBLTResult) appendBody(b []byte) []byte {
	b = pb.AppendBytes(b, 1, m.Session[:])
	b = pb.AppendVarint(b, 2, uint64(m.Status))
	for _, k := range m.Wanted {
		b = pb.AppendVarint(b, 3, k)
	}
	return appendCIDs(b, 4, m.ResponderOnly)
}

func (m *IBLTResult) decodeBody(b []byte) error {
	return pb.Walk(b, func(f pb.Field) (err error) {
		switch f.Num {
		case 1:
			m.Session, err = decodeUUID(f)
		case 2:
			err = varint(f, func(v uint64) { m.Status = IBLTStatus(v) })
			if err == nil && m.Status > IBLTFallback {
				err = fmt.Errorf("unknown status %d", m.Status)
			}
		case 3:
			err = varint(f, func(v uint64) { m.Wanted = append(m.Wanted, v) })
		case 4:
			m.ResponderOnly, err = appendCID(m.ResponderOnly, f)
		default:
			err = pb.Unknown(f)
		}
		return err
	})
}
