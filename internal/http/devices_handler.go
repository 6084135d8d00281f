package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	dr "github.com/xmidt-org/talaria/devicerelay"
)

// DeviceInfo represents a device in the listing response.
type DeviceInfo struct {
	ID           string `json:"id"`
	State        string `json:"state,omitempty"`
	BlinkPattern string `json:"blinkPattern"`
}

// DevicesHandler lists the registered devices with their current blink
// pattern. A device whose pattern cannot be read is still listed.
func DevicesHandler(client dr.ResourceClient, timeout time.Duration, log *logrus.Entry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		devices, err := client.ListDevices(ctx)
		if err != nil {
			err = dr.Classify(err)
			log.WithError(err).Warn("list devices failed")
			writeError(w, err)
			return
		}
		out := struct {
			Devices []DeviceInfo `json:"devices"`
			Count   int          `json:"count"`
		}{Devices: make([]DeviceInfo, 0, len(devices))}
		for _, d := range devices {
			info := DeviceInfo{ID: string(d.ID), State: d.State}
			v, err := client.GetResourceValue(ctx, d.ID, dr.BlinkPatternResourcePath)
			if err != nil {
				log.WithError(err).WithField("deviceId", d.ID).Debug("blink pattern read failed")
			} else {
				info.BlinkPattern = string(v)
			}
			out.Devices = append(out.Devices, info)
		}
		out.Count = len(out.Devices)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	if dr.Kind(err) == "RemoteUnavailable" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": dr.Kind(err), "message": err.Error()})
}
