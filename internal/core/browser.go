package core

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"depot/internal/auth"
	"depot/internal/objects"
	"depot/internal/s3err"
	"depot/internal/ui"

	"github.com/a-h/templ"
	"github.com/go-http-utils/headers"
)

const (
	browserLinkExpiry   = 15 * time.Minute
	browserUploadExpiry = time.Hour
)

// browserSigner is what the browser needs from the authenticator to hand
// out download links and upload forms.
type browserSigner interface {
	auth.Presigner
	SignPostForm(accessKeyID string, form auth.PostForm) (map[string]string, error)
}

// browser serves the HTML object browser under ui.Root. Pages read the
// store directly; downloads and uploads go through the S3 API with
// presigned URLs and signed forms.
type browser struct {
	s      *Server
	basic  *auth.BasicAuthEngine
	signer browserSigner
}

type browserUserKey struct{}

func newBrowser(s *Server) (http.Handler, error) {
	signer, ok := s.Config.Authenticator.(browserSigner)
	if !ok {
		return nil, errors.New("the object browser needs an authenticator that can presign URLs")
	}

	b := &browser{s: s, basic: auth.NewBasicAuthEngine(s.Config.Credentials...), signer: signer}

	mux := http.NewServeMux()
	mux.Handle("GET "+ui.Root, http.RedirectHandler(ui.BucketsURL(), http.StatusMovedPermanently))
	mux.HandleFunc("GET "+ui.Root+"/{$}", b.Home)
	mux.HandleFunc("POST "+ui.Root+"/buckets", b.CreateBucket)
	mux.HandleFunc("GET "+ui.Root+"/buckets/{bucket}", b.BucketContents)
	mux.HandleFunc("POST "+ui.Root+"/buckets/{bucket}/delete", b.DeleteBucket)
	mux.HandleFunc("POST "+ui.Root+"/buckets/{bucket}/objects/delete", b.DeleteObject)
	return b.guard(mux), nil
}

// routeBrowser sends requests under ui.Root to browser and everything else
// to api.
func routeBrowser(browser http.Handler, api http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == ui.Root || strings.HasPrefix(r.URL.Path, ui.Root+"/") {
			browser.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

// guard requires HTTP Basic credentials and refuses form submissions from
// other sites.
func (b *browser) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := b.basic.AuthenticateRequest(r.Context(), r)
		if err != nil {
			w.Header().Set(headers.WWWAuthenticate, `Basic realm="depot", charset="UTF-8"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost && !sameOrigin(r) {
			http.Error(w, "cross-origin form submission refused", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), browserUserKey{}, user)))
	})
}

// sameOrigin reports whether r came from a page of this server, judged by
// Sec-Fetch-Site or else Origin. Requests carrying neither are not from a
// browser form and are let through.
func sameOrigin(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Site") {
	case "same-origin", "none":
		return true
	case "":
	default:
		return false
	}
	origin := r.Header.Get(headers.Origin)
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

func browserUser(ctx context.Context) *auth.User {
	user, _ := ctx.Value(browserUserKey{}).(*auth.User)
	return user
}

func render(w http.ResponseWriter, r *http.Request, c templ.Component) {
	w.Header().Set(headers.ContentType, "text/html; charset=utf-8")
	if err := c.Render(r.Context(), w); err != nil {
		slog.Error("Render page", "path", r.URL.Path, "err", err)
	}
}

// fail reports err to the user. htmx only swaps successful responses, so
// form errors for htmx requests are sent as 200 fragments.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	e := s3err.From(err)
	if e.Kind == s3err.StorageIO {
		slog.Error("Browser request failed", "path", r.URL.Path, "err", err)
	}
	if r.Header.Get("HX-Request") == "true" {
		render(w, r, ui.ErrorMessage(e.Message))
		return
	}
	http.Error(w, e.Message, e.Status)
}

// redirect sends the browser to target, through htmx when it asked.
func redirect(w http.ResponseWriter, r *http.Request, target string) {
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (b *browser) Home(w http.ResponseWriter, r *http.Request) {
	buckets := b.s.store.ListBuckets(r.Context())

	uiBuckets := make([]ui.Bucket, 0, len(buckets))
	for _, bkt := range buckets {
		uiBuckets = append(uiBuckets, ui.Bucket{
			Name:         bkt.Name,
			CreationDate: bkt.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	render(w, r, ui.BucketsPage(uiBuckets))
}

func (b *browser) CreateBucket(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		fail(w, r, s3err.ErrInvalidArgument.WithMessage("failed to parse form"))
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		fail(w, r, s3err.ErrInvalidBucketName.WithMessage("bucket name is required"))
		return
	}

	if _, err := b.s.store.CreateBucket(r.Context(), name); err != nil {
		fail(w, r, err)
		return
	}

	redirect(w, r, ui.BucketURL(name, ""))
}

// crumbs splits prefix into its directory steps.
func crumbs(prefix string) []ui.Crumb {
	var out []ui.Crumb
	for i := 0; i < len(prefix); {
		j := strings.IndexByte(prefix[i:], '/')
		if j < 0 {
			out = append(out, ui.Crumb{Name: prefix[i:], Prefix: prefix})
			break
		}
		out = append(out, ui.Crumb{Name: prefix[i : i+j], Prefix: prefix[:i+j+1]})
		i += j + 1
	}
	return out
}

func (b *browser) BucketContents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucket := r.PathValue("bucket")
	prefix := r.URL.Query().Get("prefix")
	user := browserUser(ctx)

	if _, err := b.s.store.HeadBucket(ctx, bucket); err != nil {
		fail(w, r, err)
		return
	}

	page, err := b.s.store.ListObjects(ctx, bucket, objects.ListOptions{
		Prefix:     prefix,
		Delimiter:  "/",
		StartAfter: r.URL.Query().Get("after"),
		MaxKeys:    b.s.Config.DefaultMaxKeys,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	view := ui.ObjectsView{Bucket: bucket, Prefix: prefix, Crumbs: crumbs(prefix)}
	for _, cp := range page.CommonPrefixes {
		view.Folders = append(view.Folders, ui.Folder{Prefix: cp, Name: strings.TrimPrefix(cp, prefix)})
	}
	for _, obj := range page.Objects {
		o := ui.Object{
			Key:          obj.Key,
			Name:         strings.TrimPrefix(obj.Key, prefix),
			Size:         obj.Size,
			LastModified: obj.LastModified.UTC().Format(time.RFC3339),
		}
		link, err := b.signer.Presign(http.MethodGet, requestURL(r, "/"+bucket+"/"+obj.Key, nil), user.AccessKeyID, browserLinkExpiry)
		if err != nil {
			slog.Warn("Presign download link", "bucket", bucket, "key", obj.Key, "err", err)
		} else {
			o.DownloadURL = link.String()
		}
		view.Objects = append(view.Objects, o)
	}
	if page.IsTruncated {
		view.NextAfter = page.Last
	}

	fields, err := b.signer.SignPostForm(user.AccessKeyID, auth.PostForm{
		Bucket:    bucket,
		KeyPrefix: prefix,
		Redirect:  ui.BucketURL(bucket, prefix),
		Expires:   browserUploadExpiry,
	})
	if err != nil {
		slog.Warn("Sign upload form", "bucket", bucket, "err", err)
	} else {
		view.Upload = &ui.UploadForm{Action: "/" + url.PathEscape(bucket) + "/", Fields: fields}
	}

	render(w, r, ui.ObjectsPage(view))
}

func (b *browser) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	bucket := r.PathValue("bucket")
	if err := b.s.store.DeleteBucket(r.Context(), bucket); err != nil {
		fail(w, r, err)
		return
	}
	b.s.uploads.AbortBucket(r.Context(), bucket)

	redirect(w, r, ui.BucketsURL())
}

func (b *browser) DeleteObject(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		fail(w, r, s3err.ErrInvalidArgument.WithMessage("failed to parse form"))
		return
	}

	bucket := r.PathValue("bucket")
	key := r.FormValue("key")
	if err := b.s.store.DeleteObject(r.Context(), bucket, key); err != nil {
		fail(w, r, err)
		return
	}

	parent := key[:strings.LastIndexByte(key, '/')+1]
	redirect(w, r, ui.BucketURL(bucket, parent))
}
