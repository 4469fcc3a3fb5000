package radar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/metro-edge/fusionkit/internal/assign"
)

// Pool and per-frame bounds for the cluster tracker.
const (
	MaxTrackers        = 64 // tracker pool size
	MaxInputClusters   = 24 // clusters accepted per frame
	MaxAssocPerTrack   = 6  // measurements combined into one track per frame
	MaxExpirePerFrame  = 16 // trackers released per frame; the rest wait
)

// TrackerStatus is the typed per-frame result of a tracker run.
type TrackerStatus int

const (
	TrackerOK TrackerStatus = iota
	TrackerPoolExhausted
	TrackerTooManyMeasurements
	TrackerInputExceedMax
	TrackerBadInput
)

func (s TrackerStatus) String() string {
	switch s {
	case TrackerOK:
		return "ok"
	case TrackerPoolExhausted:
		return "tracker-pool-exhausted"
	case TrackerTooManyMeasurements:
		return "too-many-measurements"
	case TrackerInputExceedMax:
		return "input-exceed-max"
	case TrackerBadInput:
		return "bad-input"
	default:
		return "unknown"
	}
}

// measurement is a cluster report converted to the tracker's spherical
// measurement space (range, azimuth, doppler) plus its variances.
type measurement struct {
	numPoints  int
	rng        float64
	azimuth    float64
	doppler    float64
	xSize      float64
	ySize      float64
	rangeVar   float64
	angleVar   float64
	dopplerVar float64
}

// track is one pool slot. The Kalman state S is [x, y, vx, vy]; the
// measurement function h maps it to (range, azimuth, doppler).
type track struct {
	state TrackerState

	detect2Active int
	detect2Free   int
	active2Free   int

	s        [4]float64
	sApriori [4]float64
	hApriori [3]float64
	p        *mat.Dense // 4x4 covariance
	pApriori *mat.Dense

	speed2    float64
	doppler   float64
	xSize     float64
	ySize     float64
	diagonal2 float64
}

// ClusterTracker owns a bounded pool of trackers fed by DBSCAN cluster
// reports. One worker owns an instance; it is not safe for concurrent use.
type ClusterTracker struct {
	cfg TrackingConfig

	f *mat.Dense // 4x4 state transition
	q *mat.Dense // 4x4 process noise

	tracks [MaxTrackers]track
	active []int // tids in report order; new trackers prepend
	idle   []int // free list: take from front, release to back

	meas       []measurement
	assoc      [MaxTrackers][]int
	pending    []bool
	useKM      bool
}

// NewClusterTracker builds a tracker from a validated configuration.
func NewClusterTracker(cfg TrackingConfig) (*ClusterTracker, error) {
	if cfg.TimePerFrame <= 0 {
		return nil, fmt.Errorf("tracking config: timePerFrame must be positive, got %v", cfg.TimePerFrame)
	}
	t := &ClusterTracker{
		cfg:   cfg,
		f:     mat.NewDense(4, 4, nil),
		q:     mat.NewDense(4, 4, nil),
		useKM: cfg.AssociationPolicy == "hungarian",
	}
	t.active = make([]int, 0, MaxTrackers)
	t.idle = make([]int, 0, MaxTrackers)
	for tid := 0; tid < MaxTrackers; tid++ {
		t.idle = append(t.idle, tid)
		t.tracks[tid].p = mat.NewDense(4, 4, nil)
		t.tracks[tid].pApriori = mat.NewDense(4, 4, nil)
	}
	t.meas = make([]measurement, 0, MaxInputClusters)
	return t, nil
}

// ActiveCount and IdleCount expose the pool balance; they always sum to
// MaxTrackers.
func (t *ClusterTracker) ActiveCount() int { return len(t.active) }
func (t *ClusterTracker) IdleCount() int   { return len(t.idle) }

// Run advances the tracker by one frame: time update for every live
// tracker, association, new-tracker allocation, measurement update and
// lifecycle bookkeeping. Only ACTIVE trackers are reported into out.
func (t *ClusterTracker) Run(in *ClusterOutput, dt float64, out *TrackerOutput) TrackerStatus {
	if out == nil {
		return TrackerBadInput
	}
	if in.NumCluster > MaxInputClusters {
		return TrackerInputExceedMax
	}
	if in.NumCluster > 0 && len(in.Reports) == 0 {
		return TrackerBadInput
	}

	t.inputDataTransfer(in)
	t.updateFQ(dt)
	t.timeUpdate()

	status := TrackerOK
	// Associations never carry over from the previous frame, not even on
	// an empty one.
	t.resetAssociation()
	if len(t.meas) > 0 {
		if t.useKM {
			status = t.associateKM()
		} else {
			status = t.associateGreedy()
		}
		if status != TrackerOK {
			return status
		}
		if st := t.allocateNewTrackers(); st != TrackerOK {
			status = st
		}
	}

	t.updateTrackers()
	t.report(out)
	return status
}

// inputDataTransfer converts cluster reports into spherical measurements.
// The doppler sign is flipped: the detector reports approach as positive
// velocity while the filter's h() takes range-rate.
func (t *ClusterTracker) inputDataTransfer(in *ClusterOutput) {
	t.meas = t.meas[:0]
	for i := 0; i < in.NumCluster && i < len(in.Reports); i++ {
		rep := &in.Reports[i]
		m := measurement{
			numPoints:  rep.NumPoints,
			doppler:    -rep.AvgVel,
			xSize:      rep.XSize,
			ySize:      rep.YSize,
			rangeVar:   rep.RangeVar,
			angleVar:   rep.AngleVar,
			dopplerVar: rep.DopplerVar,
		}
		m.rng = math.Hypot(rep.XCenter, rep.YCenter)
		m.azimuth = azimuthOf(rep.XCenter, rep.YCenter)
		t.meas = append(t.meas, m)
	}
}

// azimuthOf keeps the original quadrant convention: x == 0 maps to π/2,
// x < 0 adds π to the principal value.
func azimuthOf(x, y float64) float64 {
	if x == 0 {
		return math.Pi / 2
	}
	a := math.Atan(y / x)
	if x < 0 {
		a += math.Pi
	}
	return a
}

// updateFQ rebuilds the constant-velocity transition matrix F and the
// process noise Q, scaled by powers of (2·dt).
func (t *ClusterTracker) updateFQ(dt float64) {
	c := dt * dt * 4.0
	b := c * dt * 2
	a := c * c

	t.f.Zero()
	t.f.Set(0, 0, 1)
	t.f.Set(0, 2, dt)
	t.f.Set(1, 1, 1)
	t.f.Set(1, 3, dt)
	t.f.Set(2, 2, 1)
	t.f.Set(3, 3, 1)

	t.q.Zero()
	t.q.Set(0, 0, a)
	t.q.Set(0, 2, b)
	t.q.Set(1, 1, a)
	t.q.Set(1, 3, b)
	t.q.Set(2, 0, b)
	t.q.Set(2, 2, c)
	t.q.Set(3, 1, b)
	t.q.Set(3, 3, c)
}

// timeUpdate computes S_apriori = F·S and its spherical image for every
// live tracker.
func (t *ClusterTracker) timeUpdate() {
	for _, tid := range t.active {
		tr := &t.tracks[tid]
		tr.sApriori = t.applyF(tr.s)
		tr.hApriori = computeH(tr.sApriori)
	}
}

func (t *ClusterTracker) applyF(s [4]float64) [4]float64 {
	var out [4]float64
	for i := 0; i < 4; i++ {
		for k := 0; k < 4; k++ {
			out[i] += t.f.At(i, k) * s[k]
		}
	}
	return out
}

// computeH maps Cartesian state to (range, azimuth, doppler).
func computeH(s [4]float64) [3]float64 {
	var h [3]float64
	h[0] = math.Hypot(s[0], s[1])
	h[1] = azimuthOf(s[0], s[1])
	if h[0] > 0 {
		h[2] = (s[0]*s[2] + s[1]*s[3]) / h[0]
	}
	return h
}

// computeCartesian inverts h for tracker initialisation.
func computeCartesian(h [3]float64) [4]float64 {
	var s [4]float64
	s[0] = h[0] * math.Cos(h[1])
	s[1] = h[0] * math.Sin(h[1])
	s[2] = h[2] * math.Cos(h[1])
	s[3] = h[2] * math.Sin(h[1])
	return s
}

// distance is the polar-plane law-of-cosines separation between a
// measurement and a tracker's predicted position.
func distance(m *measurement, tr *track) float64 {
	return m.rng*m.rng + tr.hApriori[0]*tr.hApriori[0] -
		2*m.rng*tr.hApriori[0]*math.Cos(tr.hApriori[1]-m.azimuth)
}

// associationGate is the distance threshold for one tracker: a range term
// widened by the tracker's own footprint, an angular term scaled by its
// predicted range, and a velocity term.
func (t *ClusterTracker) associationGate(tr *track) float64 {
	rTh := math.Max(t.cfg.AssociationThreshold, math.Sqrt(tr.diagonal2)/2)
	angRef := 2 * math.Atan(t.cfg.AssociationThreshold/tr.hApriori[0])
	vTh := t.cfg.AssociationThreshold
	return rTh*rTh + angRef*angRef + vTh*vTh
}

func (t *ClusterTracker) resetAssociation() {
	for i := range t.assoc {
		t.assoc[i] = t.assoc[i][:0]
	}
	t.pending = t.pending[:0]
	for range t.meas {
		t.pending = append(t.pending, true)
	}
}

// associateGreedy assigns each measurement to its nearest live tracker,
// gated per tracker. A tracker accepts at most MaxAssocPerTrack
// measurements per frame.
func (t *ClusterTracker) associateGreedy() TrackerStatus {
	t.resetAssociation()
	if len(t.active) == 0 {
		return TrackerOK
	}
	for mid := range t.meas {
		minDist := math.MaxFloat64
		minTid := -1
		for _, tid := range t.active {
			d := distance(&t.meas[mid], &t.tracks[tid])
			if d < minDist {
				minDist = d
				minTid = tid
			}
		}
		if minTid < 0 {
			continue
		}
		if minDist < t.associationGate(&t.tracks[minTid]) {
			if len(t.assoc[minTid]) >= MaxAssocPerTrack {
				return TrackerTooManyMeasurements
			}
			t.assoc[minTid] = append(t.assoc[minTid], mid)
			t.pending[mid] = false
		}
	}
	return TrackerOK
}

// associateKM builds the full measurement×tracker cost matrix and solves
// it optimally. The gate is applied by forbidding out-of-gate pairs, so
// greedy and Hungarian agree on which pairs are admissible.
func (t *ClusterTracker) associateKM() TrackerStatus {
	t.resetAssociation()
	if len(t.active) == 0 {
		return TrackerOK
	}
	cost := make([][]float64, len(t.meas))
	for mid := range t.meas {
		cost[mid] = make([]float64, len(t.active))
		for j, tid := range t.active {
			d := distance(&t.meas[mid], &t.tracks[tid])
			if d >= t.associationGate(&t.tracks[tid]) {
				d = assign.Forbidden
			}
			cost[mid][j] = d
		}
	}
	assignment := assign.Hungarian(cost)
	for mid, j := range assignment {
		if j < 0 {
			continue
		}
		tid := t.active[j]
		if len(t.assoc[tid]) >= MaxAssocPerTrack {
			return TrackerTooManyMeasurements
		}
		t.assoc[tid] = append(t.assoc[tid], mid)
		t.pending[mid] = false
	}
	return TrackerOK
}

// allocateNewTrackers spends idle slots on unassociated measurements.
func (t *ClusterTracker) allocateNewTrackers() TrackerStatus {
	status := TrackerOK
	for mid, pend := range t.pending {
		if !pend {
			continue
		}
		if len(t.idle) == 0 {
			status = TrackerPoolExhausted
			continue
		}
		tid := t.idle[0]
		t.idle = t.idle[1:]
		t.active = append([]int{tid}, t.active...)

		m := &t.meas[mid]
		tr := &t.tracks[tid]
		tr.state = TrackerStateDetection
		tr.detect2Active = 0
		tr.detect2Free = 0
		tr.active2Free = 0
		tr.xSize = m.xSize
		tr.ySize = m.ySize
		tr.diagonal2 = m.xSize*m.xSize + m.ySize*m.ySize
		tr.speed2 = m.doppler * m.doppler
		tr.doppler = m.doppler
		tr.s = computeCartesian([3]float64{m.rng, m.azimuth, m.doppler})
		identity4(tr.p)
		tr.sApriori = t.applyF(tr.s)
		tr.hApriori = computeH(tr.sApriori)
		t.pending[mid] = false
	}
	return status
}

func identity4(m *mat.Dense) {
	m.Zero()
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
}

// stateMachine advances one tracker's lifecycle on a hit or miss.
func (t *ClusterTracker) stateMachine(tr *track, hit bool) {
	switch tr.state {
	case TrackerStateDetection:
		if hit {
			tr.detect2Free = 0
			if tr.detect2Active > t.cfg.ActiveThreshold {
				tr.state = TrackerStateActive
			} else {
				tr.detect2Active++
			}
		} else {
			if tr.detect2Free > t.cfg.ForgetThreshold {
				tr.state = TrackerStateExpire
			} else {
				tr.detect2Free++
			}
			if tr.detect2Active > 0 {
				tr.detect2Active--
			}
		}
	case TrackerStateActive:
		if hit {
			if tr.active2Free > 0 {
				tr.active2Free--
			}
		} else {
			if tr.active2Free > t.cfg.ForgetThreshold {
				tr.state = TrackerStateExpire
			} else {
				tr.active2Free++
			}
		}
	}
}

// combineMeasure folds a tracker's associated measurements into one
// pseudo-measurement: point-count-weighted means, max sizes.
func (t *ClusterTracker) combineMeasure(mids []int) measurement {
	var out measurement
	total := 0
	for _, mid := range mids {
		m := &t.meas[mid]
		size := m.numPoints
		total += size
		w := float64(size)
		out.rng += m.rng * w
		out.azimuth += m.azimuth * w
		out.doppler += m.doppler * w
		out.rangeVar += m.rangeVar * w
		out.angleVar += m.angleVar * w
		out.dopplerVar += m.dopplerVar * w
		if m.xSize > out.xSize {
			out.xSize = m.xSize
		}
		if m.ySize > out.ySize {
			out.ySize = m.ySize
		}
	}
	if total > 0 {
		inv := 1.0 / float64(total)
		out.rng *= inv
		out.azimuth *= inv
		out.doppler *= inv
		out.rangeVar *= inv
		out.angleVar *= inv
		out.dopplerVar *= inv
	}
	out.numPoints = total
	return out
}

func iirFilter(yn, xn, forgetFactor float64) float64 {
	return yn*(1.0-forgetFactor) + xn*forgetFactor
}

// updateTrackers runs the measurement (or no-measure) update for every
// live tracker, advances lifecycles and reaps expired slots.
func (t *ClusterTracker) updateTrackers() {
	var expire []int // positions within t.active
	for pos, tid := range t.active {
		tr := &t.tracks[tid]
		if len(t.assoc[tid]) > 0 {
			t.stateMachine(tr, true)
			combined := t.combineMeasure(t.assoc[tid])
			if err := t.kalmanUpdate(tr, &combined); err != nil {
				// A singular innovation covariance falls back to the
				// covariance-only update.
				t.kalmanUpdateNoMeasure(tr)
			} else {
				tr.speed2 = tr.s[2]*tr.s[2] + tr.s[3]*tr.s[3]
				tr.doppler = combined.doppler
				tr.xSize = iirFilter(tr.xSize, combined.xSize, t.cfg.IIRForgetFactor)
				tr.ySize = iirFilter(tr.ySize, combined.ySize, t.cfg.IIRForgetFactor)
				if d2 := tr.xSize*tr.xSize + tr.ySize*tr.ySize; d2 > tr.diagonal2 {
					tr.diagonal2 = d2
				}
			}
		} else {
			t.stateMachine(tr, false)
			if tr.state == TrackerStateExpire && len(expire) < MaxExpirePerFrame {
				expire = append(expire, pos)
			} else {
				t.kalmanUpdateNoMeasure(tr)
			}
		}
	}
	// Release from the back so earlier positions stay valid.
	for i := len(expire) - 1; i >= 0; i-- {
		pos := expire[i]
		tid := t.active[pos]
		t.active = append(t.active[:pos], t.active[pos+1:]...)
		t.idle = append(t.idle, tid)
	}
}

// kalmanUpdate runs the extended Kalman measurement update against the
// combined pseudo-measurement.
func (t *ClusterTracker) kalmanUpdate(tr *track, m *measurement) error {
	// P_apriori = F·P·Fᵀ + Q, symmetrized.
	var fp, pApr mat.Dense
	fp.Mul(t.f, tr.p)
	pApr.Mul(&fp, t.f.T())
	pApr.Add(&pApr, t.q)
	symmetrize(&pApr)
	tr.pApriori.Copy(&pApr)

	j := jacobian(tr.sApriori)

	// Innovation covariance S3 = J·P_apriori·Jᵀ + R.
	r := mat.NewDense(3, 3, nil)
	r.Set(0, 0, m.rangeVar*t.cfg.MeasurementNoiseVariance)
	r.Set(1, 1, m.angleVar*t.cfg.MeasurementNoiseVariance)
	r.Set(2, 2, m.dopplerVar*t.cfg.MeasurementNoiseVariance)

	var jp, s3 mat.Dense
	jp.Mul(j, &pApr)
	s3.Mul(&jp, j.T())
	s3.Add(&s3, r)

	var s3inv mat.Dense
	if err := s3inv.Inverse(&s3); err != nil {
		return fmt.Errorf("innovation covariance singular: %w", err)
	}

	// Kalman gain K = P_apriori·Jᵀ·S3⁻¹.
	var pj, k mat.Dense
	pj.Mul(&pApr, j.T())
	k.Mul(&pj, &s3inv)

	// P = P_apriori − K·J·P_apriori.
	var kj, kjp mat.Dense
	kj.Mul(&k, j)
	kjp.Mul(&kj, &pApr)
	tr.p.Sub(&pApr, &kjp)

	// S = S_apriori + K·(z − h(S_apriori)).
	innov := mat.NewVecDense(3, []float64{
		m.rng - tr.hApriori[0],
		m.azimuth - tr.hApriori[1],
		m.doppler - tr.hApriori[2],
	})
	var corr mat.VecDense
	corr.MulVec(&k, innov)
	for i := 0; i < 4; i++ {
		tr.s[i] = tr.sApriori[i] + corr.AtVec(i)
	}
	return nil
}

// kalmanUpdateNoMeasure advances only the covariance and carries the
// prediction forward as the state.
func (t *ClusterTracker) kalmanUpdateNoMeasure(tr *track) {
	var fp, pApr mat.Dense
	fp.Mul(t.f, tr.p)
	pApr.Mul(&fp, t.f.T())
	pApr.Add(&pApr, t.q)
	tr.pApriori.Copy(&pApr)
	tr.p.Copy(&pApr)
	tr.s = tr.sApriori
}

// jacobian of h at s; 3x4.
func jacobian(s [4]float64) *mat.Dense {
	r2 := s[0]*s[0] + s[1]*s[1]
	r := math.Sqrt(r2)
	j := mat.NewDense(3, 4, nil)
	if r == 0 {
		return j
	}
	j.Set(0, 0, s[0]/r)
	j.Set(0, 1, s[1]/r)
	j.Set(1, 0, -s[1]/r2)
	j.Set(1, 1, s[0]/r2)
	j.Set(2, 0, s[1]*(s[2]*s[1]-s[0]*s[3])/r/r2)
	j.Set(2, 1, s[0]*(s[3]*s[0]-s[2]*s[1])/r/r2)
	j.Set(2, 2, s[0]/r)
	j.Set(2, 3, s[1]/r)
	return j
}

func symmetrize(m *mat.Dense) {
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			avg := 0.5 * (m.At(i, j) + m.At(j, i))
			m.Set(i, j, avg)
			m.Set(j, i, avg)
		}
	}
}

// report emits the ACTIVE trackers in active-list order.
func (t *ClusterTracker) report(out *TrackerOutput) {
	out.Tracks = out.Tracks[:0]
	for _, tid := range t.active {
		tr := &t.tracks[tid]
		if tr.state != TrackerStateActive {
			continue
		}
		out.Tracks = append(out.Tracks, TrackOutput{
			TrackerID: tid,
			State:     tr.state,
			S:         tr.s,
			XSize:     tr.xSize,
			YSize:     tr.ySize,
		})
	}
}
