package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-resty/resty/v2"

	"arbsync/logging"
	"arbsync/model"
	"arbsync/queue"
)

// HTTPStore talks to a remote profile store over REST. Read-modify-write
// sequences for one account run through that account's queue, so concurrent
// updates from this process never overwrite each other.
type HTTPStore struct {
	client *resty.Client

	mu     sync.Mutex
	queues map[string]*queue.Queue
}

type HTTPOption func(*httpConfig)

type httpConfig struct {
	timeout    time.Duration
	httpClient *http.Client
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient swaps the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *httpConfig) { c.httpClient = hc }
}

func NewHTTPStore(baseURL string, opts ...HTTPOption) *HTTPStore {
	conf := httpConfig{timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&conf)
	}
	client := resty.New()
	if conf.httpClient != nil {
		client = resty.NewWithClient(conf.httpClient)
	}
	client.SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetTimeout(conf.timeout)
	return &HTTPStore{client: client, queues: map[string]*queue.Queue{}}
}

// Close drains and stops the per-account queues.
func (s *HTTPStore) Close() {
	s.mu.Lock()
	queues := s.queues
	s.queues = map[string]*queue.Queue{}
	s.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}

func (s *HTTPStore) serialize(ctx context.Context, name string, task queue.Task) error {
	s.mu.Lock()
	q, ok := s.queues[name]
	if !ok {
		q = queue.New(queue.WithName("cache:" + name))
		s.queues[name] = q
	}
	s.mu.Unlock()

	h, err := q.Fetch(func(context.Context) error { return task(ctx) })
	if err != nil {
		return fmt.Errorf("cache: enqueue %s: %w", name, err)
	}
	return h.Wait(ctx)
}

type call struct {
	method string
	path   string
	params map[string]string
	query  map[string]string
	body   any
	result any
}

func (s *HTTPStore) do(ctx context.Context, c call) error {
	req := s.client.R().SetContext(ctx).SetPathParams(c.params).SetQueryParams(c.query)
	if c.body != nil {
		req.SetBody(c.body)
	}
	if c.result != nil {
		req.SetResult(c.result)
	}
	resp, err := req.Execute(c.method, c.path)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		logging.L(ctx).Errorf("%s %s failed: %s", c.method, c.path, err)
		return fmt.Errorf("%w: %s %s: %w", ErrTransient, c.method, c.path, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Request.URL)
	case code == http.StatusConflict:
		return ErrDuplicateNotification
	case code >= 500 || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s: status %d", ErrTransient, c.method, resp.Request.URL, code)
	case code >= 400:
		return fmt.Errorf("cache: %s %s: status %d: %s", c.method, resp.Request.URL, code, resp.String())
	}
	return nil
}

func (s *HTTPStore) GetUserProfile(ctx context.Context, account common.Address) (model.Profile, error) {
	var p model.Profile
	err := s.do(ctx, call{
		method: resty.MethodGet,
		path:   "/profiles/{account}",
		params: map[string]string{"account": account.Hex()},
		result: &p,
	})
	if err != nil {
		return model.Profile{}, err
	}
	p.Account = account
	return p, nil
}

func (s *HTTPStore) GetDisputeRecord(ctx context.Context, arbitrator common.Address, disputeID uint64, account common.Address) (model.DisputeRecord, error) {
	var rec model.DisputeRecord
	err := s.do(ctx, call{
		method: resty.MethodGet,
		path:   disputeRoute,
		params: disputePath(arbitrator, disputeID, account),
		result: &rec,
	})
	if err != nil {
		return model.DisputeRecord{}, err
	}
	return rec, nil
}

func (s *HTTPStore) UpdateDisputeRecord(ctx context.Context, arbitrator common.Address, disputeID uint64, account common.Address, u model.DisputeUpdate) (model.DisputeRecord, error) {
	var merged model.DisputeRecord
	err := s.serialize(ctx, account.Hex(), func(ctx context.Context) error {
		rec, err := s.GetDisputeRecord(ctx, arbitrator, disputeID, account)
		if errors.Is(err, ErrNotFound) {
			rec = model.NewDisputeRecord(arbitrator, disputeID)
		} else if err != nil {
			return err
		}
		if err := rec.Apply(u); err != nil {
			return fmt.Errorf("cache: update dispute %s/%d: %w", arbitrator.Hex(), disputeID, err)
		}
		if err := s.do(ctx, call{
			method: resty.MethodPut,
			path:   disputeRoute,
			params: disputePath(arbitrator, disputeID, account),
			body:   rec,
		}); err != nil {
			return err
		}
		merged = rec
		return nil
	})
	return merged, err
}

func (s *HTTPStore) UpdateContractRecord(ctx context.Context, account common.Address, c model.ContractRecord) (model.ContractRecord, error) {
	var merged model.ContractRecord
	err := s.serialize(ctx, account.Hex(), func(ctx context.Context) error {
		p, err := s.GetUserProfile(ctx, account)
		if errors.Is(err, ErrNotFound) {
			p = model.Profile{Account: account}
		} else if err != nil {
			return err
		}
		rec := p.PutContract(c)
		err = s.do(ctx, call{
			method: resty.MethodPut,
			path:   "/profiles/{account}/contracts/{address}",
			params: map[string]string{"account": account.Hex(), "address": c.Address.Hex()},
			body:   rec,
		})
		if err != nil {
			return err
		}
		merged = rec
		return nil
	})
	return merged, err
}

func (s *HTTPStore) NewNotification(ctx context.Context, n model.Notification) error {
	return s.do(ctx, call{
		method: resty.MethodPost,
		path:   "/profiles/{account}/notifications",
		params: map[string]string{"account": n.Account.Hex()},
		body:   n,
	})
}

func (s *HTTPStore) MarkNotificationRead(ctx context.Context, account common.Address, key model.NotificationKey) error {
	return s.do(ctx, call{
		method: resty.MethodPost,
		path:   "/profiles/{account}/notifications/{txHash}/{logIndex}/read",
		params: map[string]string{
			"account":  account.Hex(),
			"txHash":   key.TxHash.Hex(),
			"logIndex": strconv.FormatUint(uint64(key.LogIndex), 10),
		},
		query: map[string]string{"subject": key.Subject},
	})
}

func (s *HTTPStore) GetNotifications(ctx context.Context, account common.Address, unreadOnly bool) ([]model.Notification, error) {
	var out []model.Notification
	err := s.do(ctx, call{
		method: resty.MethodGet,
		path:   "/profiles/{account}/notifications",
		params: map[string]string{"account": account.Hex()},
		query:  map[string]string{"unread": strconv.FormatBool(unreadOnly)},
		result: &out,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

type watermarkBody struct {
	Block uint64 `json:"block"`
}

func (s *HTTPStore) GetWatermark(ctx context.Context, consumer string) (uint64, bool, error) {
	var body watermarkBody
	err := s.do(ctx, call{
		method: resty.MethodGet,
		path:   "/watermarks/{consumer}",
		params: map[string]string{"consumer": consumer},
		result: &body,
	})
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return body.Block, true, nil
}

func (s *HTTPStore) SetWatermark(ctx context.Context, consumer string, block uint64) error {
	return s.serialize(ctx, "watermark:"+consumer, func(ctx context.Context) error {
		have, ok, err := s.GetWatermark(ctx, consumer)
		if err != nil {
			return err
		}
		if ok && have >= block {
			return nil
		}
		return s.do(ctx, call{
			method: resty.MethodPut,
			path:   "/watermarks/{consumer}",
			params: map[string]string{"consumer": consumer},
			body:   watermarkBody{Block: block},
		})
	})
}

const disputeRoute = "/profiles/{account}/arbitrators/{arbitrator}/disputes/{id}"

func disputePath(arbitrator common.Address, disputeID uint64, account common.Address) map[string]string {
	return map[string]string{
		"account":    account.Hex(),
		"arbitrator": arbitrator.Hex(),
		"id":         strconv.FormatUint(disputeID, 10),
	}
}

var _ Store = (*HTTPStore)(nil)
