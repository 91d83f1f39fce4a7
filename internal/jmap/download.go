package jmap

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"github.com/teemow/jmapgate/internal/instrumentation"
	"github.com/teemow/jmapgate/internal/provider"
	"github.com/teemow/jmapgate/internal/server"
)

func (d *Dispatcher) blobProvider() (provider.CommandProvider, provider.BlobProvider) {
	for _, cp := range d.registry.CommandProviders() {
		if bp, ok := cp.(provider.BlobProvider); ok {
			return cp, bp
		}
	}
	return nil, nil
}

func (d *Dispatcher) serveDownload(w http.ResponseWriter, r *http.Request) error {
	sess, err := d.authz.Authorize(r)
	if err != nil {
		return err
	}
	id := sess.Identity()
	ctx := provider.WithIdentity(r.Context(), id)

	cp, bp := d.blobProvider()
	if bp == nil {
		return server.NotFound("downloads are not supported")
	}

	blobID := server.PathParam(ctx, "blobId")
	name := server.PathParam(ctx, "name")

	ctx, span := instrumentation.StartProviderSpan(ctx, cp.Name(), instrumentation.CallKindBlob)
	defer span.End()

	blob, err := bp.Download(ctx, id, blobID, name)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		if errors.Is(err, provider.ErrBlobNotFound) {
			return server.NotFound("blob not found")
		}
		return err
	}
	instrumentation.SetSpanSuccess(span)

	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if blob.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	return server.Stream(w, blob.Body)
}
