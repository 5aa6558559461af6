package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

const marketDataPrefix = "/marketdata/"

// Descriptor 描述一次逻辑调用。提交后不可修改。
type Descriptor struct {
	Method     string
	Path       string
	Query      url.Values
	Body       []byte
	Idempotent bool
}

// Get 构造幂等的 GET 调用。
func Get(path string, query url.Values) Descriptor {
	return Descriptor{Method: http.MethodGet, Path: path, Query: query, Idempotent: true}
}

// Delete 构造 DELETE 调用。撤单重复执行结果相同，视为幂等。
func Delete(path string) Descriptor {
	return Descriptor{Method: http.MethodDelete, Path: path, Idempotent: true}
}

// Post 构造非幂等的 POST 调用，body 编码为 JSON。
func Post(path string, body any) (Descriptor, error) {
	return withJSON(http.MethodPost, path, body)
}

// Put 构造 PUT 调用。改单会生成新订单，按非幂等处理。
func Put(path string, body any) (Descriptor, error) {
	return withJSON(http.MethodPut, path, body)
}

func withJSON(method, path string, body any) (Descriptor, error) {
	d := Descriptor{Method: method, Path: path}
	if body == nil {
		return d, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Descriptor{}, fmt.Errorf("gateway: 编码请求体失败: %w", err)
	}
	d.Body = payload
	return d, nil
}

// WithIdempotent 返回覆盖幂等标记后的副本。
func (d Descriptor) WithIdempotent(idempotent bool) Descriptor {
	d.Idempotent = idempotent
	return d
}

// MarketData 判断调用是否属于行情 API。
func (d Descriptor) MarketData() bool {
	return strings.HasPrefix(d.Path, marketDataPrefix)
}

func (d Descriptor) clone() Descriptor {
	cp := d
	if d.Query != nil {
		cp.Query = make(url.Values, len(d.Query))
		for k, v := range d.Query {
			cp.Query[k] = append([]string(nil), v...)
		}
	}
	if d.Body != nil {
		cp.Body = bytes.Clone(d.Body)
	}
	return cp
}

func (d Descriptor) url(base *url.URL) string {
	u := base.JoinPath(d.Path)
	if len(d.Query) > 0 {
		u.RawQuery = d.Query.Encode()
	}
	return u.String()
}

// Result 是成功调用的原始响应。
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode 把 JSON 响应体解码到 v。空响应体不做任何事。
func (r Result) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("gateway: 解析响应失败: %w", err)
	}
	return nil
}

// Get 按 gjson 路径读取响应体中的字段。
func (r Result) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// Location 返回 Location 响应头，下单接口用它返回新订单地址。
func (r Result) Location() string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Location")
}
