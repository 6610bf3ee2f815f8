package discord

import (
	"errors"
	"net"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/onnwee/stream-alerts/alerts"
)

// Discord JSON error codes relevant to alert delivery.
const (
	codeUnknownChannel     = 10003
	codeUnknownMessage     = 10008
	codeMissingAccess      = 50001
	codeMissingPermissions = 50013
)

// classify maps a discordgo error onto the engine's delivery taxonomy so the
// dispatcher can tell a dead channel from a flaky network.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case codeMissingAccess, codeMissingPermissions:
				return alerts.NewDeliveryError(alerts.DeliveryPermission, op, err)
			case codeUnknownChannel, codeUnknownMessage:
				return alerts.NewDeliveryError(alerts.DeliveryNotFound, op, err)
			}
		}
		if rest.Response != nil {
			switch {
			case rest.Response.StatusCode == http.StatusForbidden:
				return alerts.NewDeliveryError(alerts.DeliveryPermission, op, err)
			case rest.Response.StatusCode == http.StatusNotFound:
				return alerts.NewDeliveryError(alerts.DeliveryNotFound, op, err)
			case rest.Response.StatusCode >= 500:
				return alerts.NewDeliveryError(alerts.DeliveryTransient, op, err)
			}
		}
		return alerts.NewDeliveryError(alerts.DeliveryTransient, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return alerts.NewDeliveryError(alerts.DeliveryTransient, op, err)
	}
	return alerts.NewDeliveryError(alerts.DeliveryTransient, op, err)
}

// isNotFound reports whether the error means the target no longer exists.
func isNotFound(err error) bool {
	de, ok := alerts.AsDeliveryError(err)
	return ok && de.Kind == alerts.DeliveryNotFound
}
