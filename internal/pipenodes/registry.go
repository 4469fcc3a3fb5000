package pipenodes

import (
	"errors"
	"sync"

	"github.com/metro-edge/fusionkit/internal/fusion"
	"github.com/metro-edge/fusionkit/internal/graph"
)

var registerOnce sync.Once

// RegisterNodeClasses installs the config-string-constructible node kinds
// into the process-wide registry so serialized topologies can be
// re-parsed. Source and sink nodes carry injected data or writers and are
// assembled programmatically instead.
func RegisterNodeClasses() error {
	var err error
	registerOnce.Do(func() {
		err = errors.Join(
			graph.RegisterNodeClass("RadarClustering", func(cfg string) (graph.Node, error) {
				threads := 1
				if parsed, perr := graph.ParseConfigString(cfg); perr == nil && parsed.Has("threads") {
					if v, terr := parsed.GetInt("threads"); terr == nil {
						threads = v
					}
				}
				return NewRadarClusteringNode(threads), nil
			}),
			graph.RegisterNodeClass("RadarTracking", func(cfg string) (graph.Node, error) {
				return NewRadarTrackingNode(nil), nil
			}),
			graph.RegisterNodeClass("Track2TrackAssociation", func(cfg string) (graph.Node, error) {
				assoc := fusion.NewAssociator()
				if parsed, perr := graph.ParseConfigString(cfg); perr == nil && parsed.Has("costThreshold") {
					if v, terr := parsed.GetFloat("costThreshold"); terr == nil {
						assoc.CostThreshold = v
					}
				}
				return NewTrack2TrackNode(assoc), nil
			}),
			graph.RegisterNodeClass("CameraFusion", func(cfg string) (graph.Node, error) {
				numCams := 2
				fuser := fusion.NewMultiCameraFuser()
				parsed, perr := graph.ParseConfigString(cfg)
				if perr != nil {
					return nil, perr
				}
				if parsed.Has("numCams") {
					if v, terr := parsed.GetInt("numCams"); terr == nil {
						numCams = v
					}
				}
				if parsed.Has("nmsThreshold") {
					if v, terr := parsed.GetFloat("nmsThreshold"); terr == nil {
						fuser.SetNMSThreshold(v)
					}
				}
				if parsed.Has("homographyFiles") {
					files, terr := parsed.GetStringArray("homographyFiles")
					if terr != nil {
						return nil, terr
					}
					for cam, path := range files {
						if ferr := fuser.SetTransformParams(path, cam); ferr != nil {
							return nil, ferr
						}
					}
				}
				return NewCameraFusionNode(numCams, fuser), nil
			}),
		)
	})
	return err
}
