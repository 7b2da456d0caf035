package webdav

import (
	"context"
	"encoding/xml"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/davbridge/internal/davpath"
)

const (
	methodPropfind = "PROPFIND"

	defaultContentType = "application/octet-stream"

	propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:resourcetype/>
    <d:getetag/>
    <d:getcontentlength/>
    <d:getcontenttype/>
    <d:getlastmodified/>
    <d:quota-used-bytes/>
    <d:quota-available-bytes/>
  </d:prop>
</d:propfind>`
)

// Multistatus wire shapes. Only the properties above are decoded.
type multistatus struct {
	XMLName   xml.Name      `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"DAV: response"`
}

type davResponse struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   davProp `xml:"DAV: prop"`
	Status string  `xml:"DAV: status"`
}

type davProp struct {
	ResourceType   *resourceType `xml:"DAV: resourcetype"`
	ETag           string        `xml:"DAV: getetag"`
	ContentLength  string        `xml:"DAV: getcontentlength"`
	ContentType    string        `xml:"DAV: getcontenttype"`
	LastModified   string        `xml:"DAV: getlastmodified"`
	QuotaUsed      string        `xml:"DAV: quota-used-bytes"`
	QuotaAvailable string        `xml:"DAV: quota-available-bytes"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// List fetches metadata for p and, with DepthChildren, its immediate
// children. Exactly one response entry must name p itself; it becomes the
// listing's Self. Zero or several self entries fail with ErrProtocol.
func (c *Client) List(ctx context.Context, p davpath.Path, depth Depth) (*Listing, error) {
	header := http.Header{}
	header.Set("Depth", strconv.Itoa(int(depth)))
	header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.do(ctx, methodPropfind, p, header, strings.NewReader(propfindBody))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, &Error{
			Op:      methodPropfind,
			Path:    p.String(),
			Message: "malformed multistatus body",
			Err:     ErrProtocol,
			Cause:   err,
		}
	}

	return c.partition(p, ms.Responses)
}

// partition splits decoded responses into the self entry and children.
func (c *Client) partition(p davpath.Path, responses []davResponse) (*Listing, error) {
	var (
		listing   Listing
		selfCount int
	)

	for i := range responses {
		entry, ok := c.toEntry(&responses[i])
		if !ok {
			continue
		}

		if entry.Path.Key() == p.Key() {
			selfCount++
			listing.Self = entry

			continue
		}

		listing.Children = append(listing.Children, entry)
	}

	switch selfCount {
	case 1:
		return &listing, nil
	case 0:
		return nil, protocolError(methodPropfind, p.String(), "root entry not found in response")
	default:
		return nil, protocolError(methodPropfind, p.String(), "response holds %d root entries", selfCount)
	}
}

// toEntry normalizes one response. Responses with no successful propstat or
// an href outside the base path are skipped.
func (c *Client) toEntry(r *davResponse) (Entry, bool) {
	var (
		prop  davProp
		found bool
		isDir bool
	)

	for _, ps := range r.Propstats {
		if !statusOK(ps.Status) {
			continue
		}

		found = true
		mergeProp(&prop, &ps.Prop)

		if ps.Prop.ResourceType != nil && ps.Prop.ResourceType.Collection != nil {
			isDir = true
		}
	}

	if !found {
		c.logger.Debug("skipping response without successful propstat", slog.String("href", r.Href))
		return Entry{}, false
	}

	p, err := davpath.FromHref(r.Href, c.basePath, isDir)
	if err != nil {
		c.logger.Debug("skipping response", slog.String("href", r.Href), slog.String("error", err.Error()))
		return Entry{}, false
	}

	e := Entry{
		Path:           p,
		IsDir:          isDir,
		ETag:           strings.TrimSpace(prop.ETag),
		LastModified:   c.parseLastModified(prop.LastModified, p),
		ContentLength:  parseInt(prop.ContentLength),
		QuotaUsed:      parseInt(prop.QuotaUsed),
		QuotaAvailable: parseInt(prop.QuotaAvailable),
	}

	if !isDir {
		e.ContentType = contentTypeFor(p.Name(), prop.ContentType)
	}

	return e, true
}

func mergeProp(dst, src *davProp) {
	if src.ETag != "" {
		dst.ETag = src.ETag
	}

	if src.ContentLength != "" {
		dst.ContentLength = src.ContentLength
	}

	if src.ContentType != "" {
		dst.ContentType = src.ContentType
	}

	if src.LastModified != "" {
		dst.LastModified = src.LastModified
	}

	if src.QuotaUsed != "" {
		dst.QuotaUsed = src.QuotaUsed
	}

	if src.QuotaAvailable != "" {
		dst.QuotaAvailable = src.QuotaAvailable
	}
}

// statusOK reports whether a propstat status line ("HTTP/1.1 200 OK") is 2xx.
// A missing status is treated as success.
func statusOK(line string) bool {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return true
	}

	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return false
	}

	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return -1
	}

	return n
}

// lastModifiedLayouts are tried in order. RFC 1123 is what servers are
// required to send; the others show up in the wild.
var lastModifiedLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.ANSIC,
}

// parseLastModified parses a getlastmodified value. Unparsable values are
// treated as absent.
func (c *Client) parseLastModified(s string, p davpath.Path) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}

	for _, layout := range lastModifiedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}

	c.logger.Debug("ignoring unparsable getlastmodified",
		slog.String("path", p.String()),
		slog.String("value", s),
	)

	return time.Time{}
}

// contentTypeFor returns the advertised type, falling back to the file
// extension's registered type and then to application/octet-stream.
func contentTypeFor(name, advertised string) string {
	if advertised = strings.TrimSpace(advertised); advertised != "" {
		return advertised
	}

	return ContentTypeByName(name)
}

// ContentTypeByName guesses a content type from a file name's extension.
func ContentTypeByName(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}

	return defaultContentType
}
