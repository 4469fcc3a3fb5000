package graph

// Buffer tag values. TagEndOfRequest marks the last Blob of a logical
// request on its stream; sinks count these to decide when a request has
// fully drained.
const (
	TagNormal       = 0
	TagEndOfRequest = 1
)

// MaxPlanes is the plane budget for video frame buffers.
const MaxPlanes = 8

// Buffer is one typed payload inside a Blob. Concrete kinds are RawBuffer,
// VideoFrameBuffer and VideoFrameMetaROIBuffer; consumers discover the kind
// with a type switch or assertion.
type Buffer interface {
	Meta() *MetaMap
	Tag() int
	SetTag(tag int)
	Drop() bool
	SetDrop(drop bool)
}

// BufferBase carries the state shared by all buffer kinds and is embedded
// by each of them.
type BufferBase struct {
	meta MetaMap
	tag  int
	drop bool
}

func (b *BufferBase) Meta() *MetaMap   { return &b.meta }
func (b *BufferBase) Tag() int         { return b.tag }
func (b *BufferBase) SetTag(tag int)   { b.tag = tag }
func (b *BufferBase) Drop() bool       { return b.drop }
func (b *BufferBase) SetDrop(d bool)   { b.drop = d }

// RawBuffer holds an opaque byte range. The optional deleter runs exactly
// once when Release is called, letting externally allocated ranges be
// returned to their pools.
type RawBuffer struct {
	BufferBase
	Data    []byte
	deleter func([]byte)
}

// NewRawBuffer wraps data with an optional deleter.
func NewRawBuffer(data []byte, deleter func([]byte)) *RawBuffer {
	return &RawBuffer{Data: data, deleter: deleter}
}

// Release runs the deleter, if any, and clears the data reference.
func (b *RawBuffer) Release() {
	if b.deleter != nil {
		b.deleter(b.Data)
		b.deleter = nil
	}
	b.Data = nil
}

// TrackingStatus values carried on a ROI.
const (
	TrackingStatusNone = iota
	TrackingStatusNew
	TrackingStatusTracked
	TrackingStatusLost
)

// ROI is a pixel rectangle with its classification and detection results.
type ROI struct {
	X, Y, W, H int

	LabelClassification      string
	LabelIDClassification    int
	ConfidenceClassification float64

	LabelDetection      string
	LabelIDDetection    int
	ConfidenceDetection float64

	PTS            uint64
	FrameID        uint32
	StreamID       uint32
	TrackingID     uint64
	TrackingStatus int
}

// VideoFrameBuffer describes one decoded video frame together with the ROIs
// detected on it. The pixel data itself lives behind the platform decoder
// and is referenced by Handle; this runtime never touches pixels.
type VideoFrameBuffer struct {
	BufferBase
	FrameID  uint32
	Width    uint32
	Height   uint32
	PlaneNum int
	Stride   [MaxPlanes]uint32
	Offset   [MaxPlanes]uint32
	Handle   any
	ROIs     []ROI
}

// MetaROI is an opaque tagged ROI variant: a rectangle plus a private
// metadata bag, used where downstream nodes attach per-ROI results.
type MetaROI struct {
	X, Y, W, H int
	meta       MetaMap
}

// Meta exposes the per-ROI metadata bag.
func (r *MetaROI) Meta() *MetaMap { return &r.meta }

// VideoFrameMetaROIBuffer is a VideoFrameBuffer variant whose ROIs carry
// their own metadata bags instead of fixed classification fields.
type VideoFrameMetaROIBuffer struct {
	BufferBase
	FrameID  uint32
	Width    uint32
	Height   uint32
	PlaneNum int
	Stride   [MaxPlanes]uint32
	Offset   [MaxPlanes]uint32
	Handle   any
	ROIs     []MetaROI
}

// Blob is the unit of data travelling along graph edges: a stream/frame
// identity plus an ordered sequence of Buffers. Blobs are shared by
// reference; exactly one node owns a Blob on each edge at a time, and
// fan-out hands the same Blob to every sink.
type Blob struct {
	StreamID uint32
	FrameID  uint32
	bufs     []Buffer
}

// NewBlob creates an empty Blob for the given stream and frame.
func NewBlob(streamID, frameID uint32) *Blob {
	return &Blob{StreamID: streamID, FrameID: frameID}
}

// Push appends a buffer. Buffer indices are stable: downstream nodes rely
// on Get(i) returning the i-th pushed buffer for multi-input alignment.
func (b *Blob) Push(buf Buffer) { b.bufs = append(b.bufs, buf) }

// Get returns the i-th buffer or nil when out of range.
func (b *Blob) Get(i int) Buffer {
	if i < 0 || i >= len(b.bufs) {
		return nil
	}
	return b.bufs[i]
}

// Len returns the number of buffers held.
func (b *Blob) Len() int { return len(b.bufs) }

// EOS reports whether any buffer carries the end-of-request tag.
func (b *Blob) EOS() bool {
	for _, buf := range b.bufs {
		if buf.Tag() == TagEndOfRequest {
			return true
		}
	}
	return false
}
