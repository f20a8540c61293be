// Package auth verifies the identity a hosting client claims during the
// handshake, against the Mojang session service for online-mode accounts and
// against the derived offline UUID otherwise.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/worldhost/world-host-server/internal/mccrypt"
	"github.com/worldhost/world-host-server/internal/obs"
)

// DefaultSessionServer is Mojang's session service.
const DefaultSessionServer = "https://sessionserver.mojang.com"

// SessionVerifier checks whether a player recently initiated a join with the
// given server hash. found is false when the session service has no record.
type SessionVerifier interface {
	HasJoined(ctx context.Context, username, serverHash string) (id uuid.UUID, found bool, err error)
}

// YggdrasilService talks to a Mojang-compatible session server.
type YggdrasilService struct {
	client  *http.Client
	baseURL string
}

// NewYggdrasilService builds a verifier against sessionHost (for example
// DefaultSessionServer). A nil client gets a 10 second timeout.
func NewYggdrasilService(client *http.Client, sessionHost string) *YggdrasilService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &YggdrasilService{
		client:  client,
		baseURL: strings.TrimSuffix(sessionHost, "/") + "/session/minecraft/",
	}
}

type hasJoinedResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *YggdrasilService) HasJoined(ctx context.Context, username, serverHash string) (uuid.UUID, bool, error) {
	query := url.Values{"username": {username}, "serverId": {serverHash}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"hasJoined?"+query.Encode(), nil)
	if err != nil {
		return uuid.Nil, false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return uuid.Nil, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return uuid.Nil, false, err
		}
		var parsed hasJoinedResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return uuid.Nil, false, fmt.Errorf("decode hasJoined response: %w", err)
		}
		id, err := uuid.Parse(parsed.ID)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("bad profile id %q: %w", parsed.ID, err)
		}
		return id, true, nil
	case http.StatusNoContent, http.StatusNotFound:
		return uuid.Nil, false, nil
	default:
		return uuid.Nil, false, fmt.Errorf("session server returned %s", resp.Status)
	}
}

// Result is the outcome of one profile verification.
type Result struct {
	RequestedUUID   uuid.UUID
	ExpectedUUID    uuid.UUID
	MismatchMessage string
	MismatchIsError bool
	IncludeUUIDInfo bool
}

// IsMismatch reports whether the claimed and expected UUIDs differ.
func (r Result) IsMismatch() bool { return r.RequestedUUID != r.ExpectedUUID }

// Message renders the mismatch for the client.
func (r Result) Message() string {
	if r.IncludeUUIDInfo {
		return fmt.Sprintf("%s Client gave UUID %s. Expected UUID %s.",
			r.MismatchMessage, r.RequestedUUID, r.ExpectedUUID)
	}
	return r.MismatchMessage
}

var maxUUID = uuid.UUID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Verifier applies the verification policy, caching recent successful
// online-mode verifications to absorb reconnect storms.
type Verifier struct {
	sessions SessionVerifier
	cache    *lru.LRU[string, uuid.UUID]
}

// NewVerifier wraps sessions with a short-lived success cache.
func NewVerifier(sessions SessionVerifier) *Verifier {
	return &Verifier{
		sessions: sessions,
		cache:    lru.NewLRU[string, uuid.UUID](1024, nil, time.Minute),
	}
}

// VerifyProfile checks the claimed UUID and username.
//
// Version-4 UUIDs are online-mode accounts and must match the session
// service's answer for serverHash; if the session service is unreachable the
// player is allowed with a warning. Any other UUID is offline mode: nil and
// max UUIDs are rejected, and a UUID differing from the derived offline UUID
// is a non-fatal mismatch.
func (v *Verifier) VerifyProfile(ctx context.Context, requested uuid.UUID, username, serverHash string) Result {
	if requested.Version() == 4 {
		return v.verifyOnline(ctx, requested, username, serverHash)
	}

	offline := mccrypt.OfflinePlayerUUID(username)
	if requested == uuid.Nil || requested == maxUUID {
		return Result{
			RequestedUUID:   requested,
			ExpectedUUID:    offline,
			MismatchMessage: "Reserved special UUID not allowed.",
			MismatchIsError: true,
			IncludeUUIDInfo: true,
		}
	}
	return Result{
		RequestedUUID:   requested,
		ExpectedUUID:    offline,
		MismatchMessage: "Mismatched offline UUID. Some features may not work as intended.",
		MismatchIsError: false,
		IncludeUUIDInfo: true,
	}
}

func (v *Verifier) verifyOnline(ctx context.Context, requested uuid.UUID, username, serverHash string) Result {
	cacheKey := username + "\x00" + requested.String()
	if expected, ok := v.cache.Get(cacheKey); ok {
		return matchedResult(requested, expected)
	}

	expected, found, err := v.sessions.HasJoined(ctx, username, serverHash)
	if err != nil {
		obs.Warn("authentication servers are down, allowing player unverified", obs.Fields{
			"username": username,
			"err":      err.Error(),
		})
		return matchedResult(requested, requested)
	}
	if !found {
		return Result{
			RequestedUUID: requested,
			ExpectedUUID:  uuid.Nil,
			MismatchMessage: "Failed to verify username. " +
				"Please restart your game and the launcher. " +
				"If you're unable to join regular Minecraft servers, this is not a bug with World Host.",
			MismatchIsError: true,
			IncludeUUIDInfo: false,
		}
	}
	result := matchedResult(requested, expected)
	if !result.IsMismatch() {
		v.cache.Add(cacheKey, expected)
	}
	return result
}

func matchedResult(requested, expected uuid.UUID) Result {
	return Result{
		RequestedUUID:   requested,
		ExpectedUUID:    expected,
		MismatchMessage: "Mismatched UUID.",
		MismatchIsError: true,
		IncludeUUIDInfo: true,
	}
}
