// Package ui renders the HTML object browser.
package ui

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/url"
	"slices"

	"github.com/a-h/templ"
	"github.com/dustin/go-humanize"
)

// Root is the path under which the browser is served. Bucket names cannot
// contain underscores, so it never shadows a bucket.
const Root = "/_depot"

// BucketsURL is the page listing every bucket.
func BucketsURL() string {
	return Root + "/"
}

// BucketURL is the page listing bucket's keys under prefix.
func BucketURL(bucket string, prefix string) string {
	u := Root + "/buckets/" + url.PathEscape(bucket)
	if prefix != "" {
		u += "?" + url.Values{"prefix": {prefix}}.Encode()
	}
	return u
}

// Bucket represents a single bucket for display.
type Bucket struct {
	Name         string
	CreationDate string
}

// Folder is a common prefix shown as a directory.
type Folder struct {
	Prefix string
	Name   string
}

// Object represents a single object within a bucket for display. Name is
// the key without the prefix being browsed.
type Object struct {
	Key          string
	Name         string
	Size         int64
	LastModified string
	DownloadURL  string
}

// Crumb is one step of the path from the bucket root to the prefix.
type Crumb struct {
	Name   string
	Prefix string
}

// UploadForm is a browser upload form posted straight to the S3 API.
type UploadForm struct {
	Action string
	Fields map[string]string
}

// ObjectsView is everything the objects page shows.
type ObjectsView struct {
	Bucket  string
	Prefix  string
	Crumbs  []Crumb
	Folders []Folder
	Objects []Object

	// NextAfter is where the next page starts, empty on the last page.
	NextAfter string

	Upload *UploadForm
}

// Layout renders a full HTML page with a title and body component.
func Layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<!DOCTYPE html><html lang=\"en\">")
		if err != nil {
			return err
		}

		// Head
		_, err = io.WriteString(w, "<head><meta charset=\"utf-8\">")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "<title>%s</title>", html.EscapeString(title))
		if err != nil {
			return err
		}
		// Minimal modern CSS framework (Pico.css) via CDN.
		_, err = io.WriteString(w, "<link rel=\"stylesheet\" href=\"https://unpkg.com/@picocss/pico@2/css/pico.min.css\">")
		if err != nil {
			return err
		}
		// HTMX via CDN.
		_, err = io.WriteString(w, "<script src=\"https://unpkg.com/htmx.org@1.9.12\" integrity=\"sha384-srD8tA5lZgUlAXb/DvBy1UG775H8sG8vyXK3w63U1zrtRXkuTDIaTzGvX2UksI0M\" crossorigin=\"anonymous\"></script>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "</head>")
		if err != nil {
			return err
		}

		// Body with global htmx boost for links/forms.
		_, err = io.WriteString(w, "<body hx-boost=\"true\"><main class=\"container\">")
		if err != nil {
			return err
		}

		if err := body.Render(ctx, w); err != nil {
			return err
		}

		_, err = io.WriteString(w, "</main></body></html>")
		return err
	})
}

// ErrorMessage renders an inline error, the response to a failed htmx
// form submission.
func ErrorMessage(msg string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, "<p class=\"error-message\">%s</p>", html.EscapeString(msg))
		return err
	})
}

// BucketsPage renders the list of buckets with a form to create one.
func BucketsPage(buckets []Bucket) templ.Component {
	return Layout("Depot Browser - Buckets", templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header><h1>Depot Buckets</h1>")
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<p>Browse buckets and objects stored in this server.</p></header>")
		if err != nil {
			return err
		}

		form := fmt.Sprintf("<form method=\"post\" action=\"%[1]s/buckets\" hx-post=\"%[1]s/buckets\" hx-target=\"#create-error\" role=\"group\">", Root)
		_, err = io.WriteString(w, form)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, "<input type=\"text\" name=\"name\" placeholder=\"new-bucket\" required><button type=\"submit\">Create bucket</button></form><div id=\"create-error\"></div>")
		if err != nil {
			return err
		}

		if len(buckets) == 0 {
			_, err = io.WriteString(w, "<p>No buckets found.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Name</th><th>Created</th><th></th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, b := range buckets {
			name := html.EscapeString(b.Name)
			row := fmt.Sprintf("<tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td></tr>",
				html.EscapeString(BucketURL(b.Name, "")), name, html.EscapeString(b.CreationDate),
				deleteButton(Root+"/buckets/"+url.PathEscape(b.Name)+"/delete", nil))
			_, err = io.WriteString(w, row)
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table></section>")
		return err
	}))
}

// deleteButton is a one-button form posting fields to action.
func deleteButton(action string, fields map[string]string) string {
	s := fmt.Sprintf("<form method=\"post\" action=\"%s\" style=\"margin:0\">", html.EscapeString(action))
	s += hiddenFields(fields)
	return s + "<button type=\"submit\" class=\"secondary outline\">Delete</button></form>"
}

func hiddenFields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)

	var s string
	for _, name := range names {
		s += fmt.Sprintf("<input type=\"hidden\" name=\"%s\" value=\"%s\">", html.EscapeString(name), html.EscapeString(fields[name]))
	}
	return s
}

// ObjectsPage renders one level of a bucket's keys.
func ObjectsPage(view ObjectsView) templ.Component {
	return Layout("Depot Browser - "+view.Bucket, templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, "<section><header>")
		if err != nil {
			return err
		}
		title := fmt.Sprintf("<h1>Bucket: %s</h1>", html.EscapeString(view.Bucket))
		_, err = io.WriteString(w, title)
		if err != nil {
			return err
		}

		nav := fmt.Sprintf("<nav aria-label=\"breadcrumb\"><ul><li><a href=\"%s\">Buckets</a></li><li><a href=\"%s\">%s</a></li>",
			html.EscapeString(BucketsURL()), html.EscapeString(BucketURL(view.Bucket, "")), html.EscapeString(view.Bucket))
		for _, c := range view.Crumbs {
			nav += fmt.Sprintf("<li><a href=\"%s\">%s</a></li>", html.EscapeString(BucketURL(view.Bucket, c.Prefix)), html.EscapeString(c.Name))
		}
		_, err = io.WriteString(w, nav+"</ul></nav></header>")
		if err != nil {
			return err
		}

		if view.Upload != nil {
			// Uploads post to the S3 API, which redirects back here.
			form := fmt.Sprintf("<form method=\"post\" action=\"%s\" enctype=\"multipart/form-data\" hx-boost=\"false\" role=\"group\">", html.EscapeString(view.Upload.Action))
			form += hiddenFields(view.Upload.Fields)
			form += "<input type=\"file\" name=\"file\" required><button type=\"submit\">Upload</button></form>"
			_, err = io.WriteString(w, form)
			if err != nil {
				return err
			}
		}

		if len(view.Folders) == 0 && len(view.Objects) == 0 {
			_, err = io.WriteString(w, "<p>No objects here.</p></section>")
			return err
		}

		_, err = io.WriteString(w, "<table><thead><tr><th>Key</th><th>Size</th><th>Last Modified</th><th></th></tr></thead><tbody>")
		if err != nil {
			return err
		}

		for _, f := range view.Folders {
			row := fmt.Sprintf("<tr><td><a href=\"%s\">%s</a></td><td></td><td></td><td></td></tr>",
				html.EscapeString(BucketURL(view.Bucket, f.Prefix)), html.EscapeString(f.Name))
			_, err = io.WriteString(w, row)
			if err != nil {
				return err
			}
		}

		for _, o := range view.Objects {
			name := html.EscapeString(o.Name)
			if o.DownloadURL != "" {
				name = fmt.Sprintf("<a href=\"%s\" hx-boost=\"false\">%s</a>", html.EscapeString(o.DownloadURL), name)
			}
			action := Root + "/buckets/" + url.PathEscape(view.Bucket) + "/objects/delete"
			row := fmt.Sprintf("<tr><td>%s</td><td title=\"%d bytes\">%s</td><td>%s</td><td>%s</td></tr>",
				name, o.Size, humanize.IBytes(uint64(o.Size)), html.EscapeString(o.LastModified),
				deleteButton(action, map[string]string{"key": o.Key}))
			_, err = io.WriteString(w, row)
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</tbody></table>")
		if err != nil {
			return err
		}

		if view.NextAfter != "" {
			next := BucketURL(view.Bucket, view.Prefix)
			if view.Prefix == "" {
				next += "?"
			} else {
				next += "&"
			}
			next += url.Values{"after": {view.NextAfter}}.Encode()
			_, err = fmt.Fprintf(w, "<p><a href=\"%s\">Next page &rarr;</a></p>", html.EscapeString(next))
			if err != nil {
				return err
			}
		}

		_, err = io.WriteString(w, "</section>")
		return err
	}))
}
