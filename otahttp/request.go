package otahttp

// requestHeaders follow the Host line of every firmware request.
const requestHeaders = "Connection: keep-alive\r\n" +
	"Cache-Control: no-cache\r\n" +
	"Accept: */*\r\n" +
	"\r\n"

// BuildRequest returns the GET request for the image at path on host.
func BuildRequest(host, path string) []byte {
	b := make([]byte, 0, 64+len(host)+len(path)+len(requestHeaders))
	b = append(b, "GET "...)
	b = append(b, path...)
	b = append(b, " HTTP/1.1\r\nHost: "...)
	b = append(b, host...)
	b = append(b, "\r\n"...)
	b = append(b, requestHeaders...)
	return b
}
