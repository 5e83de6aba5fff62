// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"docqa-go/pkg/provider"
)

const providerName = "tika"

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(serverURL string, timeout time.Duration) *Client {
	return &Client{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ExtractPages 调用 Tika 的 XHTML 输出，并按 <div class="page"> 拆分出每页文本。
// 非分页格式（如 docx）整体作为一页返回。
func (c *Client) ExtractPages(ctx context.Context, body io.Reader, mimeType string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+"/tika", body)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(providerName, 0, fmt.Errorf("调用 Tika 失败: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, provider.Classify(providerName, resp.StatusCode,
			fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(msg)))
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, provider.Malformed(providerName, fmt.Errorf("解析 Tika XHTML 失败: %w", err))
	}
	return splitPages(doc), nil
}

// splitPages walks the XHTML body. Each page div becomes one entry; text
// outside any page div is returned as a single page.
func splitPages(doc *html.Node) []string {
	var pages []string
	var loose strings.Builder

	var walk func(n *html.Node, inPage bool, sb *strings.Builder)
	walk = func(n *html.Node, inPage bool, sb *strings.Builder) {
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "page") && !inPage {
			var page strings.Builder
			for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
				walk(ch, true, &page)
			}
			pages = append(pages, strings.TrimSpace(page.String()))
			return
		}
		if n.Type == html.ElementNode && (n.Data == "head" || n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch, inPage, sb)
		}
		if n.Type == html.ElementNode && isBlock(n.Data) {
			sb.WriteString("\n\n")
		}
	}
	walk(doc, false, &loose)

	if len(pages) == 0 {
		if text := strings.TrimSpace(loose.String()); text != "" {
			return []string{text}
		}
	}
	return pages
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "div", "h1", "h2", "h3", "h4", "h5", "h6", "li", "tr", "table", "br":
		return true
	}
	return false
}
