// Command videowall composes raw frame files onto a tiled wall layout
// described by a JSON document. The platform display SDK is external; the
// compose callback here just counts frames so layouts can be validated
// headless.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/monitoring"
	"github.com/metro-edge/fusionkit/internal/videowall"
)

// layoutFile describes one wall: streams with their sources and tile
// placements on a single display surface.
type layoutFile struct {
	DisplayWidth  int          `json:"display_width"`
	DisplayHeight int          `json:"display_height"`
	Streams       []layoutTile `json:"streams"`
}

type layoutTile struct {
	StreamID   uint32 `json:"stream_id"`
	SourcePath string `json:"source_path"`
	FrameSize  int    `json:"frame_size"`
	Loop       bool   `json:"loop"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	W          int    `json:"w"`
	H          int    `json:"h"`
}

// fileFrameSource chunks a raw capture file into fixed-size frames.
type fileFrameSource struct {
	f         *os.File
	frameSize int
	width     uint32
	height    uint32
	pts       uint64
}

func newFileFrameSource(path string, frameSize int, w, h uint32) (*fileFrameSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", path, err)
	}
	return &fileFrameSource{f: f, frameSize: frameSize, width: w, height: h}, nil
}

func (s *fileFrameSource) ReadFrame() (*videowall.RawFrame, error) {
	buf := make([]byte, s.frameSize)
	n, err := io.ReadFull(s.f, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if _, serr := s.f.Seek(0, io.SeekStart); serr != nil {
				return nil, serr
			}
			return nil, io.EOF
		}
		return nil, err
	}
	s.pts++
	return &videowall.RawFrame{Width: s.width, Height: s.height, Data: buf[:n], PTS: s.pts}, nil
}

func (s *fileFrameSource) Close() error { return s.f.Close() }

func main() {
	layoutPath := flag.String("layout", "", "wall layout (json)")
	runFor := flag.Duration("run-for", 10*time.Second, "how long to run before stopping")
	flag.Parse()
	if *layoutPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	data, err := os.ReadFile(*layoutPath)
	if err != nil {
		log.Fatalf("layout: %v", err)
	}
	var layout layoutFile
	if err := json.Unmarshal(data, &layout); err != nil {
		log.Fatalf("decode layout: %v", err)
	}
	if layout.DisplayWidth <= 0 || layout.DisplayHeight <= 0 {
		log.Fatalf("layout needs display dimensions")
	}

	wall := videowall.NewWall()
	disp := videowall.NewDisplayNode(videowall.NodeID{DevID: 0, StreamID: 0}, layout.DisplayWidth, layout.DisplayHeight)
	var composed atomic.Int64
	disp.Compose = func(tileID int, tile videowall.Tile, frame *graph.VideoFrameBuffer) {
		composed.Add(1)
	}
	if err := wall.AddDisplay(disp); err != nil {
		log.Fatal(err)
	}

	var decodes []*videowall.DecodeNode
	for _, tile := range layout.Streams {
		src, err := newFileFrameSource(tile.SourcePath, tile.FrameSize, uint32(tile.W), uint32(tile.H))
		if err != nil {
			log.Fatal(err)
		}
		dec := videowall.NewDecodeNode(videowall.NodeID{Kind: videowall.KindDecode, StreamID: tile.StreamID}, src, tile.Loop)
		if err := wall.AddDecode(dec); err != nil {
			log.Fatal(err)
		}
		if err := wall.Bind(dec.ID, disp.ID); err != nil {
			log.Fatal(err)
		}
		decodes = append(decodes, dec)
	}
	// Tile placements follow bind order.
	for i, tile := range layout.Streams {
		if err := disp.SetTileRect(i, tile.X, tile.Y, tile.W, tile.H); err != nil {
			log.Fatalf("tile %d: %v", i, err)
		}
	}

	for _, dec := range decodes {
		if err := dec.Init(); err != nil {
			log.Fatal(err)
		}
	}
	if err := wall.Start(); err != nil {
		log.Fatal(err)
	}
	for _, dec := range decodes {
		if err := dec.Start(); err != nil {
			log.Fatal(err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-time.After(*runFor):
	case sig := <-sigCh:
		monitoring.Logf("videowall: signal %v, stopping", sig)
	}

	wall.Stop()
	for _, dec := range decodes {
		if err := dec.Destroy(); err != nil {
			monitoring.Logf("videowall: destroy: %v", err)
		}
	}
	monitoring.Logf("videowall: composed %d frames across %d tiles", composed.Load(), len(layout.Streams))
}
