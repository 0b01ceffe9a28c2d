package rest

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/pkg/errors"
)

// Client talks to a RESTAPI
type Client struct {
	serverAddr string
	http       *http.Client
}

func NewClient(serverAddr string) *Client {
	return &Client{
		serverAddr: strings.TrimSuffix(serverAddr, "/"),
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// ReshardOptions are the optional parts of a resharding request
type ReshardOptions struct {
	NumInitialChunks int
	Chunks           []dreshard.ReshardedChunk
	Zones            []dreshard.Zone
}

func (c *Client) GetStatus() (*StatusResponse, error) {
	var dst StatusResponse
	err := c.get("/status", nil, &dst)
	return &dst, err
}

// GetCollection returns the catalog entry of ns
func (c *Client) GetCollection(ns string) (*dreshard.CollectionEntry, error) {
	var dst dreshard.CollectionEntry
	err := c.get("/collection", url.Values{"namespace": {ns}}, &dst)
	if err != nil {
		return nil, err
	}
	return &dst, nil
}

// StartResharding starts resharding ns to key and returns the operation id
func (c *Client) StartResharding(ns string, key []string, opts ReshardOptions) (string, error) {
	form := url.Values{
		"namespace": {ns},
		"key":       {strings.Join(key, ",")},
	}
	if opts.NumInitialChunks > 0 {
		form.Set("num_initial_chunks", strconv.Itoa(opts.NumInitialChunks))
	}
	if len(opts.Chunks) > 0 {
		encoded, err := json.Marshal(opts.Chunks)
		if err != nil {
			return "", err
		}
		form.Set("chunks", string(encoded))
	}
	if len(opts.Zones) > 0 {
		encoded, err := json.Marshal(opts.Zones)
		if err != nil {
			return "", err
		}
		form.Set("zones", string(encoded))
	}

	var dst ReshardResponse
	err := c.post("/reshard", form, &dst)
	return dst.OperationID, err
}

func (c *Client) Abort(ns string) (string, error) {
	return c.postBasic("/abort", url.Values{"namespace": {ns}})
}

func (c *Client) StepDown() (string, error) {
	return c.postBasic("/stepdown", nil)
}

func (c *Client) StepUp() (string, error) {
	return c.postBasic("/stepup", nil)
}

func (c *Client) postBasic(path string, form url.Values) (string, error) {
	var dst BasicResponse
	err := c.post(path, form, &dst)
	return dst.Message, err
}

func (c *Client) get(path string, query url.Values, dst interface{}) error {
	u := c.serverAddr + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	resp, err := c.http.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, dst)
}

func (c *Client) post(path string, form url.Values, dst interface{}) error {
	if form == nil {
		form = url.Values{}
	}

	resp, err := c.http.PostForm(c.serverAddr+path, form)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, dst)
}

func decodeResponse(resp *http.Response, dst interface{}) error {
	if resp.StatusCode != http.StatusOK {
		var basic BasicResponse
		if err := json.NewDecoder(resp.Body).Decode(&basic); err != nil {
			return errors.Errorf("server responded with %s", resp.Status)
		}
		return errors.New(basic.Message)
	}

	return errors.WithMessage(json.NewDecoder(resp.Body).Decode(dst), "decode")
}
