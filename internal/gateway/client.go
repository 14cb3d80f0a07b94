package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kumakita/aitrios-monitor/internal/auth"
	"github.com/kumakita/aitrios-monitor/internal/logger"
)

// Config configures the REST client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client implements Gateway over the console REST API.
type Client struct {
	rc *resty.Client
}

var _ Gateway = (*Client)(nil)

// NewClient creates a client that authenticates every request with tokens.
func NewClient(cfg Config, tokens auth.TokenProvider) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "aitrios-monitor"
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", cfg.UserAgent)

	rc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		tok, err := tokens.Token(r.Context())
		if err != nil {
			return err
		}
		r.SetAuthToken(tok)
		return nil
	})

	return &Client{rc: rc}
}

type deviceIDsBody struct {
	DeviceIDs string `json:"device_ids"`
}

type updateBody struct {
	Parameter string `json:"parameter"`
	Comment   string `json:"comment"`
}

func (c *Client) do(ctx context.Context, method, path string, build func(*resty.Request)) ([]byte, error) {
	req := c.rc.R().SetContext(ctx)
	if build != nil {
		build(req)
	}

	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	logger.Debug("Gateway", "%s %s -> %d (%v)", method, resp.Request.URL, resp.StatusCode(), time.Since(start))

	if resp.IsError() {
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode(),
			Body:       strings.TrimSpace(resp.String()),
		}
	}
	return resp.Body(), nil
}

func decodeCommandResult(body []byte) CommandResult {
	var res CommandResult
	if len(bytes.TrimSpace(body)) == 0 || json.Unmarshal(body, &res) != nil || res.Result == "" {
		return CommandResult{Result: ResultSuccess}
	}
	return res
}

func (c *Client) GetDeviceInfo(ctx context.Context, deviceID string) (DeviceInfo, error) {
	var info DeviceInfo
	body, err := c.do(ctx, http.MethodGet, "/devices/{device_id}", func(r *resty.Request) {
		r.SetPathParam("device_id", deviceID)
	})
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return info, fmt.Errorf("decode device info: %w", err)
	}
	return info, nil
}

func (c *Client) StartInferenceCollection(ctx context.Context, deviceID string) (CommandResult, error) {
	return c.collect(ctx, deviceID, "collectstart")
}

func (c *Client) StopInferenceCollection(ctx context.Context, deviceID string) (CommandResult, error) {
	return c.collect(ctx, deviceID, "collectstop")
}

func (c *Client) collect(ctx context.Context, deviceID, action string) (CommandResult, error) {
	body, err := c.do(ctx, http.MethodPost, "/devices/{device_id}/inferenceresults/"+action, func(r *resty.Request) {
		r.SetPathParam("device_id", deviceID)
	})
	if err != nil {
		return CommandResult{}, err
	}
	return decodeCommandResult(body), nil
}

func (c *Client) ListCommandParameterFiles(ctx context.Context) (ParameterFileList, error) {
	var list ParameterFileList
	body, err := c.do(ctx, http.MethodGet, "/command_parameter_files", nil)
	if err != nil {
		return list, err
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return list, fmt.Errorf("decode parameter files: %w", err)
	}
	return list, nil
}

func (c *Client) UpdateCommandParameterFile(ctx context.Context, fileName, comment, payload string) (CommandResult, error) {
	logger.Info("Gateway", "Updating command parameter file %s (%d bytes)", fileName, len(payload))
	body, err := c.do(ctx, http.MethodPatch, "/command_parameter_files/{file_name}", func(r *resty.Request) {
		r.SetPathParam("file_name", fileName).
			SetHeader("Content-Type", "application/json").
			SetBody(updateBody{Parameter: payload, Comment: comment})
	})
	if err != nil {
		return CommandResult{}, err
	}
	return decodeCommandResult(body), nil
}

func (c *Client) BindCommandParameterFile(ctx context.Context, fileName string, deviceIDs []string) (CommandResult, error) {
	if len(deviceIDs) == 0 {
		return CommandResult{Result: ResultSuccess, Message: "No devices to bind"}, nil
	}
	body, err := c.do(ctx, http.MethodPut, "/devices/configuration/command_parameter_files/{file_name}", func(r *resty.Request) {
		r.SetPathParam("file_name", fileName).
			SetHeader("Content-Type", "application/json").
			SetBody(deviceIDsBody{DeviceIDs: strings.Join(deviceIDs, ",")})
	})
	if err != nil {
		return CommandResult{}, err
	}
	return decodeCommandResult(body), nil
}

func (c *Client) UnbindCommandParameterFile(ctx context.Context, fileName string, deviceIDs []string) (CommandResult, error) {
	if len(deviceIDs) == 0 {
		return CommandResult{Result: ResultSuccess, Message: "No devices to unbind"}, nil
	}
	body, err := c.do(ctx, http.MethodDelete, "/devices/configuration/command_parameter_files/{file_name}", func(r *resty.Request) {
		r.SetPathParam("file_name", fileName).
			SetHeader("Content-Type", "application/json").
			SetBody(deviceIDsBody{DeviceIDs: strings.Join(deviceIDs, ",")})
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.IsNotFound() {
			return CommandResult{Result: ResultSuccess, Message: "not bound"}, nil
		}
		return CommandResult{}, err
	}
	return decodeCommandResult(body), nil
}

func (c *Client) GetImageDirectories(ctx context.Context, deviceID string) ([]ImageDirectoryGroup, error) {
	body, err := c.do(ctx, http.MethodGet, "/devices/images/directories", func(r *resty.Request) {
		r.SetQueryParam("device_id", deviceID)
	})
	if err != nil {
		return nil, err
	}
	var groups []ImageDirectoryGroup
	if err := json.Unmarshal(body, &groups); err != nil {
		return nil, fmt.Errorf("decode image directories: %w", err)
	}
	return groups, nil
}

func (c *Client) GetLatestImage(ctx context.Context, deviceID, subDirectory string) (ImageList, error) {
	var list ImageList
	body, err := c.do(ctx, http.MethodGet, "/devices/{device_id}/images/directories/{sub_directory}", func(r *resty.Request) {
		r.SetPathParams(map[string]string{
			"device_id":     deviceID,
			"sub_directory": subDirectory,
		}).SetQueryParams(map[string]string{
			"order_by":         "DESC",
			"number_of_images": "1",
		})
	})
	if err != nil {
		return list, err
	}
	if err := json.Unmarshal(body, &list); err != nil {
		return list, fmt.Errorf("decode images: %w", err)
	}
	return list, nil
}

func (c *Client) GetInferenceResults(ctx context.Context, deviceID string, n int) ([]InferenceResult, error) {
	if n <= 0 {
		n = 1
	}
	body, err := c.do(ctx, http.MethodGet, "/devices/{device_id}/inferenceresults", func(r *resty.Request) {
		r.SetPathParam("device_id", deviceID).
			SetQueryParams(map[string]string{
				"NumberOfInferenceresults": strconv.Itoa(n),
				"raw":                      "1",
				"order_by":                 "DESC",
			})
	})
	if err != nil {
		return nil, err
	}
	return decodeInferenceResults(body)
}

// decodeInferenceResults accepts a bare array or an object wrapping it.
func decodeInferenceResults(body []byte) ([]InferenceResult, error) {
	trimmed := bytes.TrimSpace(body)
	var raws []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			InferenceResults []json.RawMessage `json:"inference_results"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode inference results: %w", err)
		}
		raws = wrapped.InferenceResults
	} else if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("decode inference results: %w", err)
	}

	results := make([]InferenceResult, 0, len(raws))
	for _, raw := range raws {
		var r InferenceResult
		if err := json.Unmarshal(raw, &r); err != nil {
			logger.Warn("Gateway", "Skipping malformed inference result: %v", err)
			continue
		}
		r.Raw = raw
		results = append(results, r)
	}
	return results, nil
}
