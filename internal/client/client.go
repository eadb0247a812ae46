// Package client provides typed, stateless wrappers over the upstream
// e-konsulat HTTP API (spec.md §6). It never retries and never classifies
// errors itself — that is the Error Classifier's job, one layer up.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/jharrington22/konsulathunt/internal/captcha"
	"github.com/jharrington22/konsulathunt/internal/classify"
)

// DefaultBaseURL is the production e-konsulat host a Client targets unless
// overridden with WithBaseURL. Exported so cmd/version.go can report what a
// plain, flag-less run would actually hit.
const DefaultBaseURL = "https://e-konsulat.gov.pl"

const defaultUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

var dateRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Client is stateless (besides its *http.Client) and safe for concurrent
// use by both the Search Loop and the Booking Loop.
type Client struct {
	hc      *http.Client
	baseURL string
	ua      string
}

// Option configures a Client at construction time. The zero value of New
// targets the production e-konsulat host; Options exist so cmd/root.go can
// point a run at a staging mirror without the engine packages ever knowing
// the host is configurable.
type Option func(*Client)

// WithBaseURL overrides the host a Client talks to. Trailing slashes are
// trimmed so callers can pass either form.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
			baseURL = baseURL[:len(baseURL)-1]
		}
		c.baseURL = baseURL
	}
}

// WithUserAgent overrides the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.ua = ua }
}

// New builds a Client with the contract 30s per-request timeout (spec.md
// §4.4). The timeout is enforced per call via context, not via
// http.Client.Timeout, so an already-running request can still be aborted
// early by a caller-supplied cancellation (spec.md §5).
func New(opts ...Option) *Client {
	c := &Client{
		hc:      &http.Client{},
		baseURL: DefaultBaseURL,
		ua:      defaultUA,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL reports the host this Client targets.
func (c *Client) BaseURL() string { return c.baseURL }

const requestTimeout = 30 * time.Second

// GenerateCaptcha requests a fresh CAPTCHA image.
func (c *Client) GenerateCaptcha(ctx context.Context) (captcha.Image, error) {
	var resp struct {
		ID          string `json:"id"`
		IloscZnakow int    `json:"iloscZnakow"`
		Image       string `json:"image"`
	}
	if err := c.postJSON(ctx, "captcha-generate", "/api/u-captcha/generuj", map[string]any{
		"imageWidth":  220,
		"imageHeight": 80,
	}, &resp); err != nil {
		return captcha.Image{}, err
	}
	raw, err := decodeB64(resp.Image)
	if err != nil {
		return captcha.Image{}, fmt.Errorf("decode captcha image: %w", err)
	}
	return captcha.Image{ID: resp.ID, Bytes: raw, ExpectedLength: resp.IloscZnakow}, nil
}

// VerifyCaptcha posts a solved CAPTCHA back and returns the verified token.
func (c *Client) VerifyCaptcha(ctx context.Context, imageToken, solution string) (string, error) {
	var resp struct {
		OK    bool   `json:"ok"`
		Token string `json:"token"`
	}
	err := c.postJSON(ctx, "captcha-verify", "/api/u-captcha/sprawdz", map[string]any{
		"kod":   solution,
		"token": imageToken,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", &classify.UpstreamError{Endpoint: "captcha-verify", Reason: "captcha rejected"}
	}
	return resp.Token, nil
}

// ListCountries returns the configured countries and their consular posts.
func (c *Client) ListCountries(ctx context.Context) ([]Country, error) {
	var wire []struct {
		ID        string `json:"id"`
		Nazwa     string `json:"nazwa"`
		Placowki  []struct {
			ID    string `json:"id"`
			Nazwa string `json:"nazwa"`
		} `json:"placowki"`
	}
	if err := c.getJSON(ctx, "list-countries", "/api/konfiguracja/placowki/placowki-w-krajach/2", &wire); err != nil {
		return nil, err
	}
	out := make([]Country, 0, len(wire))
	for _, w := range wire {
		posts := make([]Post, 0, len(w.Placowki))
		for _, p := range w.Placowki {
			posts = append(posts, Post{ID: p.ID, Name: p.Nazwa})
		}
		out = append(out, Country{ID: w.ID, Name: w.Nazwa, Posts: posts})
	}
	return out, nil
}

// ConsulateDetails resolves a locationID to its display names by scanning
// ListCountries — the engine carries locationId opaquely and only
// collaborators building a confirmation screen need this (spec.md §6).
func (c *Client) ConsulateDetails(ctx context.Context, locationID string) (ConsulateDetails, error) {
	countries, err := c.ListCountries(ctx)
	if err != nil {
		return ConsulateDetails{}, err
	}
	for _, country := range countries {
		for _, post := range country.Posts {
			if post.ID == locationID {
				return ConsulateDetails{
					LocationID:   post.ID,
					LocationName: post.Name,
					CountryID:    country.ID,
					CountryName:  country.Name,
				}, nil
			}
		}
	}
	return ConsulateDetails{}, fmt.Errorf("consulate details: unknown locationId %q", locationID)
}

// CheckSlots polls for available appointment dates at locationID for a
// party of partySize, authenticated by a freshly verified CAPTCHA token.
func (c *Client) CheckSlots(ctx context.Context, locationID string, partySize int, verifiedToken string) (CheckSlotsResult, error) {
	if locationID == "" || partySize <= 0 || verifiedToken == "" {
		return CheckSlotsResult{}, fmt.Errorf("checkSlots: locationId, partySize and verifiedToken are required")
	}

	var resp struct {
		TabelaDni   []string `json:"tabelaDni"`
		Token       string   `json:"token"`
		IdPlacowki  string   `json:"idPlacowki"`
		RodzajUslugi string  `json:"rodzajUslugi"`
	}
	path := fmt.Sprintf("/api/rezerwacja-wizyt-wizowych/terminy/%s/%d", locationID, partySize)
	if err := c.postJSON(ctx, "check-slots", path, map[string]any{
		"captchaToken": verifiedToken,
	}, &resp); err != nil {
		return CheckSlotsResult{}, err
	}

	slots := make([]Slot, 0, len(resp.TabelaDni))
	for _, d := range resp.TabelaDni {
		slots = append(slots, Slot{Date: d})
	}

	token := resp.Token
	if token == "" {
		// The upstream token is sometimes empty; fall back to the input
		// CAPTCHA token for robustness (spec.md §9 open question).
		token = verifiedToken
	}

	return CheckSlotsResult{
		Slots:       slots,
		Token:       token,
		ConsulateID: resp.IdPlacowki,
		ServiceType: resp.RodzajUslugi,
		LocationID:  locationID,
	}, nil
}

// CreateReservation attempts to book a specific date. onlyChildren is
// plumbed through but never set true by this engine (spec.md §9).
func (c *Client) CreateReservation(ctx context.Context, date, locationID, verifiedToken string, partySize int, onlyChildren bool) (ReservationResult, error) {
	if !dateRE.MatchString(date) {
		return ReservationResult{}, fmt.Errorf("createReservation: date %q must match YYYY-MM-DD", date)
	}
	if partySize <= 0 {
		return ReservationResult{}, fmt.Errorf("createReservation: partySize must be > 0")
	}
	if verifiedToken == "" || locationID == "" {
		return ReservationResult{}, fmt.Errorf("createReservation: locationId and verifiedToken are required")
	}

	var resp struct {
		Bilet *struct {
			ID                 string `json:"id"`
			Data               string `json:"data"`
			Godzina            string `json:"godzina"`
			CzyDzieckoWniosek  bool   `json:"czyDzieckoWniosek"`
		} `json:"bilet"`
		ListaBiletow []struct {
			ID                string `json:"id"`
			Data              string `json:"data"`
			Godzina           string `json:"godzina"`
			CzyDzieckoWniosek bool   `json:"czyDzieckoWniosek"`
		} `json:"listaBiletow"`
	}

	err := c.postJSON(ctx, "create-reservation", "/api/rezerwacja-wizyt-wizowych/rezerwacje", map[string]any{
		"data":              date,
		"id_lokalizacji":    locationID,
		"id_wersji_jezykowej": 2,
		"token":             verifiedToken,
		"liczba_osob":       partySize,
		"tylko_dzieci":      onlyChildren,
	}, &resp)
	if err != nil {
		return ReservationResult{}, err
	}

	if resp.Bilet == nil || resp.Bilet.ID == "" {
		return ReservationResult{}, fmt.Errorf("createReservation: %w", classify.ErrSlotUnavailable)
	}

	primary := ReservationTicket{
		TicketID:           resp.Bilet.ID,
		Date:               resp.Bilet.Data,
		Time:               resp.Bilet.Godzina,
		IsChildApplication: resp.Bilet.CzyDzieckoWniosek,
	}
	tickets := make([]ReservationTicket, 0, len(resp.ListaBiletow)+1)
	tickets = append(tickets, primary)
	for _, t := range resp.ListaBiletow {
		tickets = append(tickets, ReservationTicket{
			TicketID:           t.ID,
			Date:               t.Data,
			Time:               t.Godzina,
			IsChildApplication: t.CzyDzieckoWniosek,
		})
	}

	return ReservationResult{
		PrimaryTicket:      primary,
		Tickets:            tickets,
		IsChildApplication: onlyChildren,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, endpoint, http.MethodPost, path, bytes.NewReader(b), out)
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out any) error {
	return c.do(ctx, endpoint, http.MethodGet, path, nil, out)
}

// do issues the request with the conventional browser-like headers the
// upstream requires (spec.md §6), bounded by the 30s per-request timeout,
// honoring caller cancellation. A non-2xx response is surfaced as a
// *classify.UpstreamError carrying whatever structured reason was present;
// a 2xx body that fails to decode is returned as a plain wrapped error.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", c.ua)
	// Origin/Referer always spoof the real production host, even when
	// baseURL points at a staging mirror or test server — e-konsulat's
	// anti-bot check validates these against the browser's real target,
	// not wherever this request is physically routed.
	req.Header.Set("Origin", DefaultBaseURL)
	req.Header.Set("Referer", DefaultBaseURL+"/")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", endpoint, ctx.Err())
		}
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var reasonBody struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(raw, &reasonBody)
		return &classify.UpstreamError{
			StatusCode: res.StatusCode,
			Reason:     reasonBody.Reason,
			Body:       string(raw),
			Endpoint:   endpoint,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
