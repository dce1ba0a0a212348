// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sms sends validation tokens as text messages through an
// OpenMarket-style HTTP API.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	"gopkg.in/retry.v1"

	"github.com/element-hq/identity/internal"
	"github.com/element-hq/identity/setup/config"
)

// Type of number values sent as the source "ton".
const (
	tonInternational = 1
	tonNational      = 3
	tonAlphanumeric  = 5
)

// Network errors and 5xx responses are retried. Other failures are final.
var sendRetryStrategy retry.Strategy = retry.LimitCount(3, retry.Exponential{
	Initial: 500 * time.Millisecond,
	Factor:  2,
})

// Sender delivers a text message to an E.164 number without the leading "+".
type Sender interface {
	SendText(ctx context.Context, body, msisdn string, originator config.Originator) error
}

type sendRequest struct {
	MobileTerminate mobileTerminate `json:"mobileTerminate"`
}

type mobileTerminate struct {
	Message     message      `json:"message"`
	Destination address      `json:"destination"`
	Source      *sourceField `json:"source,omitempty"`
}

type message struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

type address struct {
	Address string `json:"address"`
}

type sourceField struct {
	Ton     int    `json:"ton"`
	Address string `json:"address"`
}

type OpenMarket struct {
	hc       *http.Client
	apiURL   string
	username string
	password string
}

func NewOpenMarket(cfg *config.SMSConf) *OpenMarket {
	return &OpenMarket{
		hc:       &http.Client{Timeout: 30 * time.Second},
		apiURL:   cfg.APIURL,
		username: cfg.Username,
		password: cfg.Password,
	}
}

func tonFor(originatorType string) (int, error) {
	switch originatorType {
	case "long":
		return tonInternational, nil
	case "short":
		return tonNational, nil
	case "alpha":
		return tonAlphanumeric, nil
	}
	return 0, fmt.Errorf("invalid originator type %q", originatorType)
}

func (o *OpenMarket) SendText(ctx context.Context, body, msisdn string, originator config.Originator) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SendText")
	defer span.Finish()

	req := sendRequest{
		MobileTerminate: mobileTerminate{
			Message:     message{Content: body, Type: "text"},
			Destination: address{Address: msisdn},
		},
	}
	if originator.Text != "" {
		ton, err := tonFor(originator.Type)
		if err != nil {
			return err
		}
		req.MobileTerminate.Source = &sourceField{Ton: ton, Address: originator.Text}
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	logger := logrus.WithFields(logrus.Fields{
		"request_id": requestID,
		"msisdn":     msisdn,
	})

	tries := 0
	for attempt := retry.Start(sendRetryStrategy, nil); attempt.Next(); {
		tries++
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var status int
		status, err = o.send(ctx, reqBody, requestID)
		switch {
		case err != nil:
			logger.WithError(err).Warnf("Failed to send text message (attempt %d)", tries)
			continue
		case status >= 500:
			err = fmt.Errorf("SMS API returned HTTP %d", status)
			logger.WithField("status", status).Warnf("SMS API unavailable (attempt %d)", tries)
			continue
		case status < 200 || status >= 300:
			return fmt.Errorf("SMS API returned HTTP %d", status)
		}
		logger.WithField("status", status).Info("Sent text message")
		return nil
	}
	return fmt.Errorf("failed to send text message: %w", err)
}

// send makes a single request to the API and returns the status code.
func (o *OpenMarket) send(ctx context.Context, reqBody []byte, requestID string) (int, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return 0, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Request-ID", requestID)
	if o.username != "" {
		hreq.SetBasicAuth(o.username, o.password)
	}

	hresp, err := o.hc.Do(hreq)
	if err != nil {
		return 0, err
	}
	defer internal.CloseAndLogIfError(ctx, hresp.Body, "failed to close response body")

	if hresp.StatusCode < 200 || hresp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(hresp.Body, 4096))
		logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"status":     hresp.StatusCode,
		}).Warnf("SMS API rejected message: %s", respBody)
	}
	return hresp.StatusCode, nil
}
