package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"payment-recon/domain"
)

// Register wires up all API routes on the provided Echo instance and returns
// the engine so the caller can attach the reconciliation sweeper to it.
func Register(e *echo.Echo, store Store, verifier *Verifier, ledger Ledger, auth Authenticator, logger *log.Logger) *Engine {
	engine := NewEngine(store, logger)
	lease := envDur("LEDGER_LEASE", 30*time.Second)

	e.POST(webhookRoute, handleWebhook(verifier, ledger, engine, logger, lease))
	e.GET("/api/events/:eventID/participations", getParticipations(store, auth))
	e.POST("/api/participations", postParticipation(store, auth), GzipRequestMiddleware())
	e.GET("/api/dispatch/stats", getDispatchStats())
	e.GET("/healthz", healthz())

	initSideEffectDispatcher(store, logger)
	return engine
}

type participationsResponse struct {
	Participations []domain.Participation `json:"participations"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// handleWebhook accepts one raw provider notification. The body stays an
// opaque byte stream until the verifier has authenticated it. Every verified
// delivery is acknowledged with 2xx except signature failures and internal
// faults, which the provider is expected to retry.
func handleWebhook(verifier *Verifier, ledger Ledger, engine *Engine, logger *log.Logger, lease time.Duration) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newWebhookRequestMetrics(ctx, logger)
		if spanCtx != nil {
			req := c.Request().WithContext(spanCtx)
			c.SetRequest(req)
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		body, readErr := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodySize+1))
		if readErr != nil {
			metrics.SetErrorStage("read_body")
			err = c.String(http.StatusInternalServerError, "failed to read body")
			return err
		}
		if len(body) > webhookMaxBodySize {
			metrics.SetErrorStage("body_too_large")
			err = c.String(http.StatusRequestEntityTooLarge, "body too large")
			return err
		}

		verifyStart := time.Now()
		ev, verifyErr := verifier.Verify(body, c.Request().Header.Get(signatureHeader))
		metrics.ObserveVerify(time.Since(verifyStart))
		if verifyErr != nil {
			switch {
			case errors.Is(verifyErr, ErrBadSignature):
				metrics.SetErrorStage("signature")
				err = c.String(http.StatusBadRequest, "bad signature")
				return err
			case errors.Is(verifyErr, ErrUnsupportedType):
				// Acknowledged so the provider stops re-sending it.
				metrics.SetErrorStage("unsupported_type")
				metrics.SetOutcome("ignored:unsupported-type")
				logger.WithError(verifyErr).Info("ignoring notification of unsupported type")
				err = c.JSON(http.StatusOK, webhookResponse{Outcome: "ignored"})
				return err
			default:
				metrics.SetErrorStage("malformed")
				metrics.SetOutcome("ignored:malformed")
				logger.WithError(verifyErr).Warn("ignoring malformed notification")
				err = c.JSON(http.StatusOK, webhookResponse{Outcome: "ignored"})
				return err
			}
		}
		metrics.SetEventType(string(ev.Type))
		metrics.SetNotificationID(ev.NotificationID)

		ledgerStart := time.Now()
		adm, ledgerErr := ledger.BeginProcessing(ctx, ev.NotificationID, lease)
		metrics.ObserveLedger(time.Since(ledgerStart))
		if ledgerErr != nil {
			metrics.SetErrorStage("ledger")
			c.Logger().Error(ledgerErr)
			err = c.String(http.StatusInternalServerError, "ledger unavailable")
			return err
		}
		switch adm.State {
		case AlreadyDone:
			// Redelivery of a settled notification: return the stored result
			// without touching the state machine.
			metrics.SetOutcome("duplicate:" + adm.Result)
			err = c.JSON(http.StatusOK, webhookResponse{Outcome: adm.Result, Ref: ev.Ref})
			return err
		case AlreadyProcessing:
			metrics.SetErrorStage("lease_held")
			err = c.String(http.StatusConflict, "notification is being processed")
			return err
		}

		applyStart := time.Now()
		outcome, applyErr := engine.Apply(ctx, ev)
		metrics.ObserveApply(time.Since(applyStart))
		if applyErr != nil {
			metrics.SetErrorStage("apply")
			if relErr := ledger.Release(ctx, ev.NotificationID); relErr != nil {
				logger.WithError(relErr).WithField("notification", ev.NotificationID).Error("ledger release failed")
			}
			c.Logger().Error(applyErr)
			err = c.String(http.StatusInternalServerError, "reconciliation failed")
			return err
		}

		summary := outcome.Summary()
		if finErr := ledger.Finish(ctx, ev.NotificationID, summary); finErr != nil {
			// The transition is committed; losing the done marker only costs
			// one redundant no-op on redelivery.
			logger.WithError(finErr).WithField("notification", ev.NotificationID).Error("ledger finish failed")
		}
		metrics.SetOutcome(summary)
		err = c.JSON(http.StatusOK, webhookResponse{Outcome: summary, Ref: ev.Ref})
		return err
	}
}

func getParticipations(store Store, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization")); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}
		parts, err := store.FetchParticipations(ctx, c.Param("eventID"))
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, participationsResponse{Participations: parts})
	}
}

func postParticipation(store Store, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		memberID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get("Authorization"))
		if err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, webhookMaxBodySize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req registerParticipationRequest
		if err := dec.Decode(&req); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.EventID == "" || req.ExternalRef == "" || req.Amount <= 0 {
			return c.String(http.StatusBadRequest, "missing event, ref or amount")
		}

		p := domain.Participation{
			EventID:     req.EventID,
			MemberID:    memberID,
			ExternalRef: req.ExternalRef,
			Status:      domain.StatusPending,
			Amount:      req.Amount,
			Currency:    req.Currency,
		}
		if err := store.InsertParticipation(ctx, p); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "failed to register participation")
		}
		return c.JSON(http.StatusCreated, p)
	}
}

func getDispatchStats() echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := getDispatcherStats()
		if err != nil {
			return c.String(http.StatusServiceUnavailable, err.Error())
		}
		return c.JSON(http.StatusOK, stats)
	}
}
