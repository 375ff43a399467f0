// Package roomapi talks to the room management service to validate a room
// before joining it over the signaling channel.
package roomapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/varkas/meshroom/internal/domain"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrBadAccess    = errors.New("access code rejected")
)

const defaultTimeout = 10 * time.Second

// RoomInfo is the validation response for one room.
type RoomInfo struct {
	IsValid          bool   `json:"isValid"`
	IsHost           bool   `json:"isHost"`
	ParticipantPin   string `json:"participantPin"`
	ParticipantCount int    `json:"participantCount"`
	CreatedAt        string `json:"createdAt"`
}

type Client struct {
	base string
	http *http.Client
}

func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: defaultTimeout},
	}
}

// Validate checks that the room exists and that the supplied codes grant
// entry. The host code is optional; when accepted the response reports host
// privileges.
func (c *Client) Validate(ctx context.Context, room domain.RoomID, accessCode, hostCode string) (*RoomInfo, error) {
	q := url.Values{}
	q.Set("accessCode", accessCode)
	if hostCode != "" {
		q.Set("hostCode", hostCode)
	}
	endpoint := fmt.Sprintf("%s/api/rooms/%s/validate?%s", c.base, url.PathEscape(string(room)), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("room validation request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrRoomNotFound
	case http.StatusForbidden, http.StatusUnauthorized:
		return nil, ErrBadAccess
	default:
		return nil, fmt.Errorf("room validation: unexpected status %d", resp.StatusCode)
	}

	var info RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("room validation response: %w", err)
	}
	if !info.IsValid {
		return nil, ErrBadAccess
	}

	log.Info().
		Str("module", "roomapi").
		Str("room", string(room)).
		Bool("is_host", info.IsHost).
		Int("participants", info.ParticipantCount).
		Msg("room validated")
	return &info, nil
}
