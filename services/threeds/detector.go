package threeds

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"imagegen-payment-api/metrics"
)

// State is the detector's progress.
type State string

const (
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Sources are the places a callback result may be hiding.
type Sources struct {
	// Known is a result the caller already resolved.
	Known *Result
	// Body is the raw request body, parsed as form-urlencoded.
	Body []byte
	// Query is the callback URL's query string.
	Query url.Values
	// Document returns the HTML to scan for forms. Nil disables the branch.
	Document func(ctx context.Context) ([]byte, error)
	// Submissions delivers intercepted form submissions. Nil disables the branch.
	Submissions <-chan url.Values
}

type DetectorOption func(*Detector)

func WithClock(clock clockz.Clock) DetectorOption {
	return func(d *Detector) {
		d.clock = clock
	}
}

// WithDelays sets when the form scan runs and when its single retry runs,
// both measured from the start of a detection pass.
func WithDelays(formCheck, retry time.Duration) DetectorOption {
	return func(d *Detector) {
		d.formCheckDelay = formCheck
		d.retryDelay = retry
	}
}

func WithLogger(logger *zap.Logger) DetectorOption {
	return func(d *Detector) {
		d.logger = logger
	}
}

// WithOnCapture registers fn to run once, when the first result is found.
func WithOnCapture(fn func(ctx context.Context, c Capture)) DetectorOption {
	return func(d *Detector) {
		d.onCapture = fn
	}
}

// Detector races the capture branches for one callback. The first complete
// result wins, pending branches are cancelled, and the capture hook runs
// exactly once no matter how many branches find data.
type Detector struct {
	sources        Sources
	clock          clockz.Clock
	formCheckDelay time.Duration
	retryDelay     time.Duration
	logger         *zap.Logger
	onCapture      func(ctx context.Context, c Capture)

	cell        Cell
	won         chan struct{}
	wonOnce     sync.Once
	captureOnce sync.Once

	mu    sync.Mutex
	state State
}

func NewDetector(sources Sources, opts ...DetectorOption) *Detector {
	d := &Detector{
		sources:        sources,
		clock:          clockz.RealClock,
		formCheckDelay: 500 * time.Millisecond,
		retryDelay:     800 * time.Millisecond,
		logger:         zap.NewNop(),
		won:            make(chan struct{}),
		state:          StateProcessing,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run executes every branch. It returns ErrCallbackDataNotFound once all
// branches are exhausted without a complete pair.
func (d *Detector) Run(ctx context.Context) (Capture, error) {
	if c, ok := d.cell.Get(); ok {
		return d.succeed(ctx, c)
	}
	d.setState(StateProcessing)

	if known := d.sources.Known; known != nil {
		d.offer(Capture{Result: *known, Branch: BranchExplicit})
	}

	return d.pass(ctx, d.scanPostBody, d.scanQuery, d.scanDocument)
}

// Retry re-runs the form scan and submit listener. Body and query are fixed
// for a request, so they are not read again.
func (d *Detector) Retry(ctx context.Context) (Capture, error) {
	if c, ok := d.cell.Get(); ok {
		return d.succeed(ctx, c)
	}
	d.setState(StateProcessing)
	return d.pass(ctx, d.scanDocument)
}

func (d *Detector) pass(ctx context.Context, branches ...func(context.Context)) (Capture, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timed sync.WaitGroup
	for _, branch := range branches {
		timed.Add(1)
		go func(branch func(context.Context)) {
			defer timed.Done()
			branch(runCtx)
		}(branch)
	}

	timedDone := make(chan struct{})
	go func() {
		timed.Wait()
		close(timedDone)
	}()

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		d.listenSubmissions(runCtx, timedDone)
	}()

	allDone := make(chan struct{})
	go func() {
		<-timedDone
		<-listenerDone
		close(allDone)
	}()

	select {
	case <-d.won:
	case <-allDone:
	case <-ctx.Done():
	}
	cancel()
	<-allDone

	if c, ok := d.cell.Get(); ok {
		return d.succeed(ctx, c)
	}

	d.setState(StateError)
	metrics.ThreeDSCaptureFailures.Inc()
	if err := ctx.Err(); err != nil {
		return Capture{}, fmt.Errorf("%w: %w", ErrCallbackDataNotFound, err)
	}
	return Capture{}, ErrCallbackDataNotFound
}

func (d *Detector) offer(c Capture) bool {
	if !d.cell.Offer(c) {
		return false
	}
	d.wonOnce.Do(func() { close(d.won) })
	return true
}

func (d *Detector) succeed(ctx context.Context, c Capture) (Capture, error) {
	d.setState(StateSuccess)
	d.captureOnce.Do(func() {
		metrics.ThreeDSCaptures.WithLabelValues(string(c.Branch)).Inc()
		d.logger.Info("3ds result captured",
			zap.String("branch", string(c.Branch)),
			zap.String("transaction_id", c.Result.TransactionID),
		)
		if d.onCapture != nil {
			d.onCapture(ctx, c)
		}
	})
	return c, nil
}

func (d *Detector) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Detector) scanPostBody(ctx context.Context) {
	if r, ok := FromFormBody(d.sources.Body); ok {
		d.offer(Capture{Result: r, Branch: BranchPostBody})
	}
}

func (d *Detector) scanQuery(ctx context.Context) {
	if r, ok := FromValues(d.sources.Query); ok {
		d.offer(Capture{Result: r, Branch: BranchQuery})
	}
}

// scanDocument checks forms after formCheckDelay, then once more at
// retryDelay if the first scan found nothing.
func (d *Detector) scanDocument(ctx context.Context) {
	if d.sources.Document == nil {
		return
	}

	start := d.clock.Now()
	for _, at := range []time.Duration{d.formCheckDelay, d.retryDelay} {
		if !d.sleepUntil(ctx, start, at) {
			return
		}

		doc, err := d.sources.Document(ctx)
		if err != nil {
			d.logger.Debug("3ds document unavailable", zap.Error(err))
			continue
		}
		if r, ok := ScanForms(doc); ok {
			d.offer(Capture{Result: r, Branch: BranchDOMForm})
			return
		}
	}
}

func (d *Detector) sleepUntil(ctx context.Context, start time.Time, offset time.Duration) bool {
	wait := offset - d.clock.Now().Sub(start)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-d.clock.After(wait):
		return true
	}
}

// listenSubmissions consumes intercepted submissions until one carries a
// complete pair, the channel closes, or the timed branches finish. Anything
// already queued when the window closes is still read.
func (d *Detector) listenSubmissions(ctx context.Context, window <-chan struct{}) {
	ch := d.sources.Submissions
	if ch == nil {
		return
	}

	try := func(values url.Values) bool {
		r, ok := FromValues(values)
		if !ok {
			return false
		}
		d.offer(Capture{Result: r, Branch: BranchSubmit})
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case values, ok := <-ch:
			if !ok || try(values) {
				return
			}
		case <-window:
			for {
				select {
				case values, ok := <-ch:
					if !ok || try(values) {
						return
					}
				default:
					return
				}
			}
		}
	}
}
