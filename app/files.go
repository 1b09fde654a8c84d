package app

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"time"

	"github.com/codetesla51/epoll-http/content"
	"github.com/codetesla51/epoll-http/server"
	"github.com/codetesla51/epoll-http/store"
)

var (
	errNotMultipart = errors.New("expected multipart/form-data")
	errNoFile       = errors.New("no file part in upload")
	errTooLarge     = errors.New("file too large")
)

type uploadedFile struct {
	name        string
	contentType string
	data        []byte
}

func (h *Handlers) upload(req *server.Request) server.Reply {
	ctx, cancel := h.context()
	defer cancel()

	uid, ok := h.authenticate(ctx, req)
	if !ok {
		return unauthorized()
	}

	file, err := h.parseUpload(req)
	if err != nil {
		return errorReply(400, err.Error())
	}
	name, err := content.CleanName(file.name)
	if err != nil {
		return errorReply(400, err.Error())
	}

	location, err := h.content.Put(ctx, uid, name, file.data)
	if err != nil {
		h.log.Error("store upload %q for user %d: %v", name, uid, err)
		return errorReply(400, "could not store file")
	}
	rec := store.FileRecord{
		Owner:       uid,
		Name:        name,
		Location:    location,
		Size:        int64(len(file.data)),
		ContentType: file.contentType,
		UploadedAt:  time.Now().UTC(),
	}
	if err := h.files.PutFile(ctx, rec); err != nil {
		h.log.Error("record upload %q for user %d: %v", name, uid, err)
		return errorReply(400, "could not record file")
	}

	h.log.Info("user %d uploaded %q (%d bytes)", uid, name, rec.Size)
	return server.JSON(201, rec)
}

// parseUpload returns the first part of a multipart body that carries a
// file name.
func (h *Handlers) parseUpload(req *server.Request) (*uploadedFile, error) {
	mediaType, params, err := mime.ParseMediaType(req.Headers["Content-Type"])
	if err != nil || mediaType != "multipart/form-data" || params["boundary"] == "" {
		return nil, errNotMultipart
	}

	mr := multipart.NewReader(bytes.NewReader(req.Body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() == "" {
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, h.maxUpload+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > h.maxUpload {
			return nil, errTooLarge
		}
		ct := part.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		return &uploadedFile{name: part.FileName(), contentType: ct, data: data}, nil
	}
}

func (h *Handlers) deleteFile(req *server.Request) server.Reply {
	ctx, cancel := h.context()
	defer cancel()

	uid, ok := h.authenticate(ctx, req)
	if !ok {
		return unauthorized()
	}
	name, err := content.CleanName(req.PathParams["name"])
	if err != nil {
		return errorReply(400, err.Error())
	}

	if err := h.files.DeleteFile(ctx, uid, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorReply(404, "no such file")
		}
		h.log.Error("delete record %q for user %d: %v", name, uid, err)
		return errorReply(400, "could not delete file")
	}
	if err := h.content.Delete(ctx, uid, name); err != nil {
		h.log.Error("delete content %q for user %d: %v", name, uid, err)
		return errorReply(400, "could not delete file")
	}

	h.log.Info("user %d deleted %q", uid, name)
	return server.JSON(200, map[string]string{"deleted": name})
}

func (h *Handlers) showList(req *server.Request) server.Reply {
	ctx, cancel := h.context()
	defer cancel()

	uid, ok := h.authenticate(ctx, req)
	if !ok {
		return unauthorized()
	}
	records, err := h.files.ListFiles(ctx, uid)
	if err != nil {
		h.log.Error("list files for user %d: %v", uid, err)
		return errorReply(400, "could not list files")
	}

	names := make([]string, 0, len(records))
	for _, rec := range records {
		names = append(names, rec.Name)
	}
	return server.JSON(200, names)
}
