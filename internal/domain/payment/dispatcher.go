package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/events"
)

const instrumentationName = "github.com/xenking/kart-checkout/internal/domain/payment"

// DispatcherParams holds the dependencies of a Dispatcher. Publisher,
// TracerProvider and MeterProvider are optional.
type DispatcherParams struct {
	Orders         order.Repository
	Rails          []Rail
	Publisher      events.Publisher
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// Dispatcher routes payment requests to the rail of the order's payment
// method and moves the order through its payment states.
//
// Every state change is a compare-and-swap on the order's payment status:
// a dispatch first claims the order (pending|failed -> processing), then
// settles it (processing -> paid|cod_pending|requires_action|failed). A
// second dispatch for the same order can never pass the claim while the
// first is in flight or after it succeeded.
type Dispatcher struct {
	orders    order.Repository
	rails     map[order.PaymentMethod]Rail
	publisher events.Publisher
	tracer    trace.Tracer
	now       func() time.Time

	dispatches metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(p DispatcherParams) (*Dispatcher, error) {
	if p.Publisher == nil {
		p.Publisher = events.Nop{}
	}
	if p.TracerProvider == nil {
		p.TracerProvider = tracenoop.NewTracerProvider()
	}
	if p.MeterProvider == nil {
		p.MeterProvider = metricnoop.NewMeterProvider()
	}

	meter := p.MeterProvider.Meter(instrumentationName)
	dispatches, err := meter.Int64Counter("checkout.payment.dispatches",
		metric.WithDescription("Payment dispatches by method and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create dispatches counter")
	}
	duration, err := meter.Float64Histogram("checkout.payment.duration",
		metric.WithDescription("Payment dispatch duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create duration histogram")
	}

	rails := make(map[order.PaymentMethod]Rail, len(p.Rails))
	for _, r := range p.Rails {
		rails[r.Method()] = r
	}

	return &Dispatcher{
		orders:     p.Orders,
		rails:      rails,
		publisher:  p.Publisher,
		tracer:     p.TracerProvider.Tracer(instrumentationName),
		now:        time.Now,
		dispatches: dispatches,
		duration:   duration,
	}, nil
}

// Dispatch pays for an order.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (_ *Result, rerr error) {
	start := d.now()
	ctx, span := d.tracer.Start(ctx, "payment.Dispatch",
		trace.WithAttributes(attribute.String("order.id", req.OrderID.String())),
	)
	method := req.Method
	defer func() {
		outcome := "ok"
		if rerr != nil {
			outcome = apperr.From(rerr).Code
			span.RecordError(rerr)
			span.SetStatus(codes.Error, outcome)
		}
		attrs := metric.WithAttributes(
			attribute.String("method", string(method)),
			attribute.String("outcome", outcome),
		)
		d.dispatches.Add(ctx, 1, attrs)
		d.duration.Record(ctx, d.now().Sub(start).Seconds(), attrs)
		span.End()
	}()

	o, err := d.load(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	method, err = resolveMethod(o, req.Method)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.method", string(method)))

	if err := guard(o); err != nil {
		return nil, err
	}

	rail, ok := d.rails[method]
	if !ok {
		return nil, ErrUnsupportedMethod
	}
	if err := rail.Check(o, req); err != nil {
		return nil, err
	}

	claimed, err := d.orders.UpdatePayment(ctx, o.ID, []order.PaymentStatus{o.PaymentStatus}, order.PaymentUpdate{
		PaymentStatus: order.PaymentProcessing,
		Attempt:       o.NextAttempt(),
	})
	if err != nil {
		if errors.Is(err, order.ErrStaleState) {
			return nil, ErrInProgress
		}
		return nil, errors.Wrap(err, "claim order")
	}

	lg := zctx.From(ctx).With(
		zap.Stringer("order_id", claimed.ID),
		zap.String("order_number", claimed.Number),
		zap.String("payment_method", string(method)),
		zap.Int("attempt", claimed.PaymentAttempt),
	)
	ctx = zctx.Base(ctx, lg)

	out, payErr := rail.Pay(ctx, claimed, req)

	// The processor call may have consumed the caller's deadline; the
	// settlement must still be written.
	settleCtx := context.WithoutCancel(ctx)

	if payErr != nil {
		d.markFailed(settleCtx, claimed, order.PaymentProcessing, payErr)
		return nil, payErr
	}

	settled, err := d.orders.UpdatePayment(settleCtx, claimed.ID, []order.PaymentStatus{order.PaymentProcessing}, order.PaymentUpdate{
		Status:        out.Status,
		PaymentStatus: out.PaymentStatus,
		ExternalRef:   out.ExternalRef,
	})
	if err != nil {
		lg.Error("Failed to record payment outcome",
			zap.String("payment_status", string(out.PaymentStatus)),
			zap.String("external_ref", out.ExternalRef),
			zap.Error(err),
		)
		return nil, errors.Wrap(err, "record payment outcome")
	}

	lg.Info("Payment dispatched",
		zap.String("payment_status", string(settled.PaymentStatus)),
		zap.String("external_ref", settled.ExternalPaymentRef),
	)
	d.publish(settleCtx, eventType(settled.PaymentStatus), settled)

	return resultOf(settled, method, out), nil
}

// Sync looks up the processor state of a payment awaiting customer action
// and settles the order when the processor reached a final state.
func (d *Dispatcher) Sync(ctx context.Context, orderID uuid.UUID) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "payment.Sync",
		trace.WithAttributes(attribute.String("order.id", orderID.String())),
	)
	defer span.End()

	o, err := d.load(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch o.PaymentStatus {
	case order.PaymentPaid:
		return resultOf(o, o.PaymentMethod, &Outcome{RailStatus: string(ChargeSucceeded)}), nil
	case order.PaymentRequiresAction:
	default:
		return nil, ErrNothingToSync
	}

	refresher, ok := d.rails[o.PaymentMethod].(Refresher)
	if !ok {
		return nil, ErrNothingToSync
	}

	out, refreshErr := refresher.Refresh(ctx, o)
	settleCtx := context.WithoutCancel(ctx)
	if refreshErr != nil {
		if errors.Is(refreshErr, ErrDeclined) {
			d.markFailed(settleCtx, o, order.PaymentRequiresAction, refreshErr)
		}
		return nil, refreshErr
	}
	if out.PaymentStatus == order.PaymentRequiresAction {
		return resultOf(o, o.PaymentMethod, out), nil
	}

	settled, err := d.orders.UpdatePayment(settleCtx, o.ID, []order.PaymentStatus{order.PaymentRequiresAction}, order.PaymentUpdate{
		Status:        out.Status,
		PaymentStatus: out.PaymentStatus,
		ExternalRef:   out.ExternalRef,
	})
	if err != nil {
		return nil, errors.Wrap(err, "record synced payment")
	}

	zctx.From(ctx).Info("Payment synced",
		zap.Stringer("order_id", settled.ID),
		zap.String("payment_status", string(settled.PaymentStatus)),
	)
	d.publish(settleCtx, eventType(settled.PaymentStatus), settled)

	return resultOf(settled, settled.PaymentMethod, out), nil
}

// Abandon fails a dispatch that has held the order longer than a dispatch
// can live. The outcome is unknown, so the next attempt reuses the
// idempotency key.
func (d *Dispatcher) Abandon(ctx context.Context, o *order.Order) error {
	failed, err := d.orders.UpdatePayment(ctx, o.ID, []order.PaymentStatus{order.PaymentProcessing}, order.PaymentUpdate{
		PaymentStatus:  order.PaymentFailed,
		Failure:        order.FailureAmbiguous,
		FailureMessage: "payment attempt was interrupted",
	})
	if err != nil {
		return err
	}
	d.publish(ctx, events.PaymentFailed, failed)
	return nil
}

func (d *Dispatcher) load(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	o, err := d.orders.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// markFailed records a failed attempt. A failure here is logged and never
// replaces the original payment error.
func (d *Dispatcher) markFailed(ctx context.Context, o *order.Order, from order.PaymentStatus, cause error) {
	lg := zctx.From(ctx)
	kind := failureKind(cause)

	failed, err := d.orders.UpdatePayment(ctx, o.ID, []order.PaymentStatus{from}, order.PaymentUpdate{
		PaymentStatus:  order.PaymentFailed,
		Failure:        kind,
		FailureMessage: apperr.From(cause).Message,
	})
	if err != nil {
		lg.Error("Failed to mark payment failed",
			zap.Stringer("order_id", o.ID),
			zap.NamedError("payment_error", cause),
			zap.Error(err),
		)
		return
	}

	lg.Warn("Payment failed",
		zap.Stringer("order_id", o.ID),
		zap.String("failure", string(kind)),
		zap.Error(cause),
	)
	d.publish(ctx, events.PaymentFailed, failed)
}

func (d *Dispatcher) publish(ctx context.Context, typ string, o *order.Order) {
	if err := d.publisher.Publish(ctx, events.ForOrder(typ, o, d.now())); err != nil {
		zctx.From(ctx).Warn("Failed to publish event",
			zap.String("type", typ),
			zap.Stringer("order_id", o.ID),
			zap.Error(err),
		)
	}
}

func resolveMethod(o *order.Order, requested order.PaymentMethod) (order.PaymentMethod, error) {
	if requested == "" {
		return o.PaymentMethod, nil
	}
	if !requested.Valid() {
		return "", ErrUnsupportedMethod
	}
	if requested != o.PaymentMethod {
		return "", ErrMethodMismatch
	}
	return requested, nil
}

func guard(o *order.Order) error {
	if o.Status == order.StatusCancelled {
		return ErrOrderCancelled
	}
	switch o.PaymentStatus {
	case order.PaymentPaid:
		return ErrAlreadyPaid
	case order.PaymentCODPending:
		return ErrAlreadyConfirmed
	case order.PaymentProcessing:
		return ErrInProgress
	case order.PaymentRequiresAction:
		return ErrRequiresAction
	}
	if !o.PaymentStatus.Dispatchable() {
		return ErrInProgress
	}
	return nil
}

func failureKind(err error) order.FailureKind {
	switch {
	case errors.Is(err, ErrDeclined):
		return order.FailureDeclined
	case errors.Is(err, ErrTimeout):
		return order.FailureTimeout
	case errors.Is(err, ErrRejected):
		return order.FailureRejected
	case errors.Is(err, ErrAttemptUnsettled):
		return order.FailureAmbiguous
	default:
		return order.FailureTransport
	}
}

func eventType(s order.PaymentStatus) string {
	switch s {
	case order.PaymentPaid:
		return events.PaymentSucceeded
	case order.PaymentRequiresAction:
		return events.PaymentRequiresAction
	case order.PaymentCODPending:
		return events.PaymentCODConfirmed
	default:
		return events.PaymentFailed
	}
}

func resultOf(o *order.Order, method order.PaymentMethod, out *Outcome) *Result {
	r := &Result{
		OrderID:       o.ID,
		OrderNumber:   o.Number,
		Method:        method,
		Status:        out.RailStatus,
		OrderStatus:   o.Status,
		PaymentStatus: o.PaymentStatus,
		ClientSecret:  out.ClientSecret,
		Message:       out.Message,
		Charge:        out.Charge,
	}
	if method == order.PaymentCard {
		r.PaymentIntentID = o.ExternalPaymentRef
	}
	return r
}
