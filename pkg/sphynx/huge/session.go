package huge

import "errors"

// ProgressFunc matches spec.md's receiver callback: successive events of
// (bytes, size); size == 0 signals end-of-transfer.
type ProgressFunc func(bytes []byte, size int)

// Sender is how a Source/Sink hands a wire message to the transport layer.
// A Source holds two (a Sink holds only sendControl): sendControl rides pkg/sphynx/transport's
// internal-opcode channel (Transport.SendHugeControl), and sendBlock rides
// Transport.SendReliable on the bulk stream — control traffic is small and
// infrequent where blocks are high-volume, so pkg/sphynx/conn keeps them on
// separate channels rather than multiplexing both over one Sender. The FEC
// parity blocks mean a receiver doesn't need every single block of a chunk
// to arrive — just enough of each parity group — so a chunk can finish
// decoding even while some blocks are still in flight or lost.
type Sender func(payload []byte) error

var ErrUnknownTransfer = errors.New("huge: control message for unknown transfer")

func marshalBlockEnvelope(transferID uint32, chunkIdx uint32, b Block) []byte {
	buf := make([]byte, 0, 12+len(b.Data))
	buf = putU32(buf, transferID)
	buf = putU32(buf, chunkIdx)
	buf = putU32(buf, b.ID)
	buf = append(buf, b.Data...)
	return buf
}

func unmarshalBlockEnvelope(b []byte) (transferID, chunkIdx uint32, blk Block, err error) {
	if len(b) < 12 {
		return 0, 0, Block{}, ErrTruncatedControl
	}
	transferID = getU32(b[0:4])
	chunkIdx = getU32(b[4:8])
	blk.ID = getU32(b[8:12])
	blk.Data = append([]byte(nil), b[12:]...)
	return transferID, chunkIdx, blk, nil
}

// Source drives the sending side of one huge transfer: it chunks data,
// encodes FEC blocks, and streams them out via Sender once the control
// handshake completes.
type Source struct {
	transferID  uint32
	data        []byte
	sendControl Sender
	sendBlock   Sender

	chunks    [][]Block // pre-encoded blocks per chunk
	nextChunk int
	nextBlock int
	started   bool
	acked     bool
	done      bool
}

// NewSource prepares a Source for data, splitting it into ChunkSize chunks
// and FEC-encoding each.
func NewSource(transferID uint32, data []byte, sendControl, sendBlock Sender) *Source {
	var chunks [][]Block
	for off := 0; off < len(data) || (len(data) == 0 && off == 0); off += ChunkSize {
		end := off + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, EncodeChunk(data[off:end]))
		if len(data) == 0 {
			break
		}
	}
	return &Source{transferID: transferID, data: data, sendControl: sendControl, sendBlock: sendBlock, chunks: chunks}
}

// Start sends the OpStart control message announcing chunk count and size.
func (s *Source) Start() error {
	msg := ControlMsg{Op: OpStart, TransferID: s.transferID, ChunkCount: uint32(len(s.chunks)), TotalSize: uint64(len(s.data))}
	s.started = true
	return s.sendControl(msg.Marshal(nil))
}

// OnControl processes a control message from the receiver.
func (s *Source) OnControl(msg ControlMsg) error {
	switch msg.Op {
	case OpStartAck:
		s.acked = true
		return nil
	case OpDeny, OpClose:
		s.done = true
		return nil
	}
	return nil
}

// PumpBlocks sends up to max more FEC blocks, moving on to the next chunk
// when the current one is used up, returning true once every chunk has been
// fully sent.
func (s *Source) PumpBlocks(max int) (bool, error) {
	if !s.acked || s.done {
		return s.done, nil
	}
	sent := 0
	for sent < max {
		if s.nextChunk >= len(s.chunks) {
			return true, nil
		}
		blocks := s.chunks[s.nextChunk]
		if s.nextBlock >= len(blocks) {
			s.nextChunk++
			s.nextBlock = 0
			continue
		}
		b := blocks[s.nextBlock]
		if err := s.sendBlock(marshalBlockEnvelope(s.transferID, uint32(s.nextChunk), b)); err != nil {
			return false, err
		}
		s.nextBlock++
		sent++
	}
	return false, nil
}

// Sink drives the receiving side of one huge transfer.
type Sink struct {
	transferID  uint32
	sendControl Sender
	onProgress  ProgressFunc

	totalSize  uint64
	chunkCount uint32
	decoders   map[uint32]*Decoder
	delivered  uint32
}

// NewSink creates a Sink that will call onProgress as chunks complete.
func NewSink(transferID uint32, sendControl Sender, onProgress ProgressFunc) *Sink {
	return &Sink{transferID: transferID, sendControl: sendControl, onProgress: onProgress, decoders: make(map[uint32]*Decoder)}
}

// OnControl processes a control message from the sender, replying with
// OpStartAck once the transfer is understood.
func (s *Sink) OnControl(msg ControlMsg) error {
	switch msg.Op {
	case OpStart:
		s.totalSize = msg.TotalSize
		s.chunkCount = msg.ChunkCount
		ack := ControlMsg{Op: OpStartAck, TransferID: s.transferID}
		if err := s.sendControl(ack.Marshal(nil)); err != nil {
			return err
		}
		if s.totalSize == 0 {
			s.onProgress(nil, 0)
		}
		return nil
	case OpDeny, OpClose:
		s.onProgress(nil, 0)
	}
	return nil
}

// OnBlock ingests one wire envelope payload (as produced by
// marshalBlockEnvelope) and delivers completed chunks via onProgress.
func (s *Sink) OnBlock(envelope []byte) error {
	transferID, chunkIdx, blk, err := unmarshalBlockEnvelope(envelope)
	if err != nil {
		return err
	}
	if transferID != s.transferID {
		return ErrUnknownTransfer
	}
	size := s.chunkSize(chunkIdx)
	dec, ok := s.decoders[chunkIdx]
	if !ok {
		dec = NewDecoder(size)
		s.decoders[chunkIdx] = dec
	}
	if dec.Add(blk) {
		data, err := dec.Bytes()
		if err != nil {
			return err
		}
		delete(s.decoders, chunkIdx)
		s.onProgress(data, len(data))
		s.delivered++
		if s.delivered >= s.chunkCount {
			s.onProgress(nil, 0)
		}
	}
	return nil
}

func (s *Sink) chunkSize(chunkIdx uint32) int {
	if uint64(chunkIdx+1)*ChunkSize <= s.totalSize {
		return ChunkSize
	}
	rem := int(s.totalSize % ChunkSize)
	if rem == 0 && s.totalSize > 0 {
		return ChunkSize
	}
	return rem
}
