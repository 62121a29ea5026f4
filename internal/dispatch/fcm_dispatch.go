package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/livery-core/internal/models"
)

// FCMDispatcher posts offer notifications to the FCM HTTPv1 endpoint. Push
// delivery mechanics live behind this boundary; the core only hands one
// payload per offer across it.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) SendOffer(driverID string, trip models.Trip) error {
	body := map[string]any{
		"message": map[string]any{
			"token": driverID,
			"data": map[string]any{
				"type":       "offer",
				"trip_id":    trip.ID,
				"expires_at": trip.OfferExpiresAt,
			},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
