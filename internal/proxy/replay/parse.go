package replay

import (
	"bufio"
	"io"
	"net/http"
	"strings"
)

// parsedRequest is the raw_request text broken into the pieces the
// fasthttp client needs to replay it.
type parsedRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// parseRawRequest parses operator-crafted raw HTTP/1.x request text (the
// Repeater tab contents) into a replayable request. The request line may
// carry an absolute-form URI (an explicit scheme); if it only carries a
// path, the scheme defaults to https and the host comes from the Host
// header, the way a browser-originated request this proxy intercepted
// would have looked before Repeater abbreviated it back down to text.
func parseRawRequest(raw string) (*parsedRequest, error) {
	reader := bufio.NewReader(strings.NewReader(raw))
	req, err := http.ReadRequest(reader)
	if err != nil {
		return nil, ErrMalformedRequest
	}

	body, err := readAllAndClose(req)
	if err != nil {
		return nil, ErrMalformedRequest
	}

	url := req.URL.String()
	if req.URL.Host == "" {
		host := req.Host
		if host == "" {
			host = req.Header.Get("Host")
		}
		if host == "" {
			return nil, ErrNoHost
		}
		url = "https://" + host + req.URL.RequestURI()
	}

	return &parsedRequest{
		Method: req.Method,
		URL:    url,
		Header: req.Header,
		Body:   body,
	}, nil
}

func readAllAndClose(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}
