package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// api types

// client

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		r := ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
		select {
		case <-ctx.Done():
		case c <- r:
		}
	})
	return apiCallback, c
}

type ShareListApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	httpClient *http.Client

	stateLock sync.Mutex
	byJwt     string
}

func NewShareListApi(ctx context.Context, apiUrl string) *ShareListApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ShareListApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultHttpClient(),
	}
}

func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
	}
	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
		},
		Timeout: 30 * time.Second,
	}
}

// this gets attached to api calls made after login
func (self *ShareListApi) SetByJwt(byJwt string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byJwt = byJwt
}

func (self *ShareListApi) GetByJwt() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.byJwt
}

func (self *ShareListApi) Close() {
	self.cancel()
}

type AuthLoginWithPasswordArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginWithPasswordResult struct {
	ByJwt string                      `json:"by_jwt,omitempty"`
	Error *AuthLoginWithPasswordError `json:"error,omitempty"`
}

type AuthLoginWithPasswordError struct {
	Message string `json:"message"`
}

func (self *ShareListApi) AuthLoginWithPassword(
	authLoginWithPassword *AuthLoginWithPasswordArgs,
	callback apiCallback[*AuthLoginWithPasswordResult],
) {
	go HandleError(func() {
		self.AuthLoginWithPasswordSync(self.ctx, authLoginWithPassword, callback)
	})
}

func (self *ShareListApi) AuthLoginWithPasswordSync(
	ctx context.Context,
	authLoginWithPassword *AuthLoginWithPasswordArgs,
	callback apiCallback[*AuthLoginWithPasswordResult],
) (*AuthLoginWithPasswordResult, error) {
	return post(
		ctx,
		self.httpClient,
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.GetByJwt(),
		&AuthLoginWithPasswordResult{},
		callback,
	)
}

type ListInfo struct {
	ListId      string `json:"list_id"`
	Name        string `json:"name"`
	CreatedBy   string `json:"created_by,omitempty"`
	MemberCount int    `json:"member_count,omitempty"`
}

type GetListsResult struct {
	Lists []*ListInfo `json:"lists"`
}

func (self *ShareListApi) GetLists(callback apiCallback[*GetListsResult]) {
	go HandleError(func() {
		self.GetListsSync(self.ctx, callback)
	})
}

func (self *ShareListApi) GetListsSync(
	ctx context.Context,
	callback apiCallback[*GetListsResult],
) (*GetListsResult, error) {
	return get(
		ctx,
		self.httpClient,
		fmt.Sprintf("%s/lists", self.apiUrl),
		self.GetByJwt(),
		&GetListsResult{},
		callback,
	)
}

type GetListItemsResult struct {
	ListId string           `json:"list_id"`
	Items  []map[string]any `json:"items"`
}

// items come back as raw field bags so a snapshot can seed
// `Reconciler.Resync` directly
func (self *ShareListApi) GetListItems(listId string, callback apiCallback[*GetListItemsResult]) {
	go HandleError(func() {
		self.GetListItemsSync(self.ctx, listId, callback)
	})
}

func (self *ShareListApi) GetListItemsSync(
	ctx context.Context,
	listId string,
	callback apiCallback[*GetListItemsResult],
) (*GetListItemsResult, error) {
	return get(
		ctx,
		self.httpClient,
		fmt.Sprintf("%s/lists/%s/items", self.apiUrl, listId),
		self.GetByJwt(),
		&GetListItemsResult{},
		callback,
	)
}

func post[R any](
	ctx context.Context,
	httpClient *http.Client,
	url string,
	args any,
	byJwt string,
	result R,
	callback apiCallback[R],
) (R, error) {
	var empty R

	requestBodyBytes, err := json.Marshal(args)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	request, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	request.Header.Add("Content-Type", "application/json")
	if byJwt != "" {
		request.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	r, err := httpClient.Do(request)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}
	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		err = fmt.Errorf("%s", strings.TrimSpace(string(responseBodyBytes)))
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, result)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](
	ctx context.Context,
	httpClient *http.Client,
	url string,
	byJwt string,
	result R,
	callback apiCallback[R],
) (R, error) {
	var empty R

	request, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	request.Header.Add("Accept", "application/json")
	if byJwt != "" {
		request.Header.Add("Authorization", fmt.Sprintf("Bearer %s", byJwt))
	}

	r, err := httpClient.Do(request)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}
	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		err = fmt.Errorf("%s", strings.TrimSpace(string(responseBodyBytes)))
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, result)
	if err != nil {
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
