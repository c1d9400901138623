package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"ticketbridge/internal/errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	service        = "discord"
	defaultBaseURL = "https://discord.com/api/v10"
	maxRateRetries = 3
)

// Options configures a Client
type Options struct {
	Token             string
	ApplicationID     string
	GuildID           string
	BaseURL           string
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Logger            *logrus.Logger
}

// Client is a minimal Discord REST client bound to one guild.
type Client struct {
	token         string
	applicationID string
	guildID       string
	baseURL       string
	client        *http.Client
	limiter       *rate.Limiter
	logger        *logrus.Logger
}

func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 45
	}
	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		token:         opts.Token,
		applicationID: opts.ApplicationID,
		guildID:       opts.GuildID,
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		client:        opts.HTTPClient,
		limiter:       rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		logger:        opts.Logger,
	}
}

// GuildID returns the guild the client manages.
func (c *Client) GuildID() string { return c.guildID }

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
}

// do sends one request, waiting out 429 responses up to maxRateRetries times.
// newBody is called per attempt so multipart readers can be rebuilt.
func (c *Client) do(ctx context.Context, method, path string, newBody func() (io.Reader, string, error), out interface{}) error {
	endpoint := c.baseURL + path

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.NewTransientError("discord "+path, err)
		}

		var body io.Reader
		contentType := ""
		if newBody != nil {
			var err error
			body, contentType, err = newBody()
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternalError, "failed to build request body")
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to create request")
		}
		req.Header.Set("Authorization", "Bot "+c.token)
		req.Header.Set("User-Agent", "DiscordBot (ticketbridge, 1.0)")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.NewAPIError(service, path, 0, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return errors.NewAPIError(service, path, 0, readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRateRetries {
			wait := retryAfter(resp, respBody)
			c.logger.WithFields(logrus.Fields{
				"path":        path,
				"retry_after": wait.String(),
				"attempt":     attempt + 1,
			}).Warn("Discord rate limit hit, waiting")
			select {
			case <-ctx.Done():
				return errors.NewTransientError("discord "+path, ctx.Err())
			case <-time.After(wait):
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := errors.NewAPIError(service, path, resp.StatusCode,
				fmt.Errorf("discord API error: status %d, body: %s", resp.StatusCode, string(respBody)))
			if resp.StatusCode == http.StatusNotFound {
				return errors.Wrap(apiErr, errors.ErrCodeNotFound, "discord resource not found").
					WithContext("path", path)
			}
			return apiErr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return errors.NewMalformedError("discord response", err.Error())
			}
		}
		return nil
	}
}

func retryAfter(resp *http.Response, body []byte) time.Duration {
	var rl rateLimitBody
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfter > 0 {
		return time.Duration(rl.RetryAfter * float64(time.Second))
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}

func jsonBody(v interface{}) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// GuildChannels lists every channel and category of the guild.
func (c *Client) GuildChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := c.do(ctx, http.MethodGet, "/guilds/"+c.guildID+"/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// FindCategory returns the category named name, or nil when none exists.
func (c *Client) FindCategory(ctx context.Context, name string) (*Channel, error) {
	channels, err := c.GuildChannels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range channels {
		if channels[i].Type == ChannelTypeGuildCategory && channels[i].Name == name {
			return &channels[i], nil
		}
	}
	return nil, nil
}

// CreateChannel creates a text channel or category in the guild.
func (c *Client) CreateChannel(ctx context.Context, spec ChannelSpec) (*Channel, error) {
	req := createChannelRequest{
		Name:                 spec.Name,
		Type:                 spec.Type,
		Topic:                spec.Topic,
		ParentID:             spec.ParentID,
		PermissionOverwrites: spec.Overwrites,
	}
	var ch Channel
	if err := c.do(ctx, http.MethodPost, "/guilds/"+c.guildID+"/channels", jsonBody(req), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannel fetches a channel. A deleted channel yields (nil, nil).
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, &ch); err != nil {
		if errors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ch, nil
}

// RenameChannel changes a channel's name.
func (c *Client) RenameChannel(ctx context.Context, channelID, name string) error {
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, jsonBody(map[string]string{"name": name}), nil)
}

// SetChannelOverwrites replaces the full overwrite set of a channel.
func (c *Client) SetChannelOverwrites(ctx context.Context, channelID string, overwrites []Overwrite) error {
	if overwrites == nil {
		overwrites = []Overwrite{}
	}
	body := map[string][]Overwrite{"permission_overwrites": overwrites}
	return c.do(ctx, http.MethodPatch, "/channels/"+channelID, jsonBody(body), nil)
}

// DeleteChannel deletes a channel. Already-deleted channels are not an error.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// SendMessage posts a message, uploading msg.Files as multipart parts.
func (c *Client) SendMessage(ctx context.Context, channelID string, msg MessageSend) (*Message, error) {
	path := "/channels/" + channelID + "/messages"
	var out Message
	var body func() (io.Reader, string, error)
	if len(msg.Files) == 0 {
		body = jsonBody(msg)
	} else {
		body = func() (io.Reader, string, error) { return multipartBody(msg) }
	}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type attachmentSlot struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

func multipartBody(msg MessageSend) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	payload := struct {
		MessageSend
		Attachments []attachmentSlot `json:"attachments"`
	}{MessageSend: msg}
	for i, f := range msg.Files {
		payload.Attachments = append(payload.Attachments, attachmentSlot{ID: i, Filename: f.Name})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}

	for i, f := range msg.Files {
		if err := writeFilePart(w, i, f); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, index int, f File) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("failed to open staged file %s: %w", f.Name, err)
	}
	defer file.Close()

	part, err := w.CreateFormFile(fmt.Sprintf("files[%d]", index), f.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

// DeleteMessage deletes a message. Already-deleted messages are not an error.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, nil, nil)
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}

// AddReaction reacts to a message with a unicode emoji.
func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me", channelID, messageID, url.PathEscape(emoji))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// RespondInteraction answers an interaction within the 3 second window.
func (c *Client) RespondInteraction(ctx context.Context, interaction *Interaction, resp InteractionResponse) error {
	path := fmt.Sprintf("/interactions/%s/%s/callback", interaction.ID, interaction.Token)
	return c.do(ctx, http.MethodPost, path, jsonBody(resp), nil)
}

// EditInteractionResponse replaces the original (deferred) response.
func (c *Client) EditInteractionResponse(ctx context.Context, interaction *Interaction, data InteractionResponseData) error {
	appID := interaction.ApplicationID
	if appID == "" {
		appID = c.applicationID
	}
	path := fmt.Sprintf("/webhooks/%s/%s/messages/@original", appID, interaction.Token)
	return c.do(ctx, http.MethodPatch, path, jsonBody(data), nil)
}

// RegisterCommands bulk-overwrites the guild's slash commands.
func (c *Client) RegisterCommands(ctx context.Context, commands []ApplicationCommand) error {
	if c.applicationID == "" {
		return errors.NewConfigError("discord.application_id", "application id is required to register commands")
	}
	path := fmt.Sprintf("/applications/%s/guilds/%s/commands", c.applicationID, c.guildID)
	return c.do(ctx, http.MethodPut, path, jsonBody(commands), nil)
}

// CurrentUser returns the bot account, used as the startup credential check.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// DownloadAttachment fetches a message attachment from the CDN, refusing
// bodies larger than maxBytes.
func (c *Client) DownloadAttachment(ctx context.Context, attachmentURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachmentURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewAPIError(service, "cdn", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewAPIError(service, "cdn", resp.StatusCode,
			fmt.Errorf("attachment download failed: status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, errors.NewAPIError(service, "cdn", 0, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.NewValidationError("attachment", attachmentURL, "file exceeds size limit")
	}
	return data, nil
}
