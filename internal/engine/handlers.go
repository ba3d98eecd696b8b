package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/livedrive/internal/apperr"
	"github.com/fruitsalade/livedrive/internal/fileops"
	"github.com/fruitsalade/livedrive/internal/logging"
	"github.com/fruitsalade/livedrive/internal/pathguard"
	"github.com/fruitsalade/livedrive/internal/protocol"
	"github.com/fruitsalade/livedrive/internal/view"
)

const invalidRename = "Invalid rename request"

// Handle dispatches one decoded client message. Filesystem work runs on
// its own goroutine so the caller can go on reading.
func (e *Engine) Handle(c *view.Conn, env protocol.Envelope, req protocol.Request) {
	vID := env.VID
	log := logging.ForConn(c.ID).With(zap.Int("vid", vID), zap.String("op", env.Type))

	switch r := req.(type) {
	case protocol.RequestSettings:
		c.Send(protocol.SettingsMsg{Type: protocol.TypeSettings, VID: vID, Settings: e.Settings()})

	case protocol.RequestUpdate:
		e.Navigate(c, vID, r.Path)

	case protocol.DestroyView:
		if c.DestroyView(vID) {
			e.reconcile()
		}

	case protocol.RequestShortlink:
		e.spawn(c, "shortlink", func() { e.shortlink(c, vID, r.Path, log) })

	case protocol.DeleteFile:
		e.spawn(c, "delete", func() { e.delete(c, r.Path, log) })

	case protocol.SaveFile:
		e.spawn(c, "save", func() { e.save(c, vID, r, log) })

	case protocol.Clipboard:
		e.spawn(c, "clipboard", func() { e.clipboard(c, vID, r, log) })

	case protocol.CreateFolder:
		e.spawn(c, "mkdir", func() {
			abs, ok := e.resolve(c, r.Path, log)
			if !ok {
				return
			}
			if err := fileops.CreateFolder(abs); err != nil {
				log.Warn("create folder failed", zap.Error(err))
				return
			}
			log.Info("created", zap.String("path", r.Path))
		})

	case protocol.Rename:
		e.spawn(c, "rename", func() { e.rename(c, vID, r, log) })

	case protocol.GetUsers:
		e.sendUsers(c, vID)

	case protocol.UpdateUser:
		e.spawn(c, "user", func() { e.updateUser(c, vID, r, log) })

	case protocol.CreateFiles:
		e.spawn(c, "touch", func() {
			for _, f := range fileops.CreateFiles(c.Home, r.Files) {
				log.Warn("create file failed", zap.String("path", f.Path), zap.Error(f.Err))
			}
			if r.IsUpload {
				c.Send(protocol.UploadDoneMsg{Type: protocol.TypeUploadDone, VID: vID})
			}
		})

	case protocol.CreateFolders:
		e.spawn(c, "mkdirs", func() {
			for _, f := range fileops.CreateFolders(c.Home, r.Folders) {
				log.Warn("create folder failed", zap.String("path", f.Path), zap.Error(f.Err))
			}
			if r.IsUpload {
				c.Send(protocol.UploadDoneMsg{Type: protocol.TypeUploadDone, VID: vID})
			}
		})

	case protocol.GetURL:
		e.spawn(c, "fetch", func() { e.fetch(c, vID, r, log) })

	default:
		log.Warn("unhandled request", zap.String("type", env.Type))
	}
}

func (e *Engine) resolve(c *view.Conn, p string, log *zap.Logger) (string, bool) {
	abs, err := pathguard.Resolve(c.Home, p)
	if err != nil {
		log.Info("invalid path", zap.String("path", p), zap.Error(err))
		return "", false
	}
	return abs, true
}

func (e *Engine) shortlink(c *view.Conn, vID int, p string, log *zap.Logger) {
	abs, ok := e.resolve(c, p, log)
	if !ok {
		return
	}
	token, created, err := e.links.Get(e.ctx, abs)
	if err != nil {
		log.Error("shortlink failed", zap.Error(err))
		return
	}
	if created {
		log.Info("shortlink created", zap.String("link", token), zap.String("path", p))
	}
	c.Send(protocol.ShortlinkMsg{Type: protocol.TypeShortlink, VID: vID, Link: token})
}

func (e *Engine) delete(c *view.Conn, p string, log *zap.Logger) {
	abs, ok := e.resolve(c, p, log)
	if !ok {
		return
	}
	if abs == c.Home {
		log.Info("refusing to delete home")
		return
	}
	wasDir, err := fileops.Delete(abs)
	if err != nil {
		log.Warn("delete failed", zap.Error(err))
		return
	}
	log.Info("deleted", zap.String("path", p), zap.Bool("dir", wasDir))
	if wasDir {
		e.redirect(e.views.BoundUnder(abs, pathguard.Within))
	}
}

func (e *Engine) save(c *view.Conn, vID int, r protocol.SaveFile, log *zap.Logger) {
	abs, ok := e.resolve(c, r.To, log)
	if !ok {
		return
	}
	status := 0
	if err := fileops.Save(abs, strings.NewReader(r.Value)); err != nil {
		log.Warn("save failed", zap.String("path", r.To), zap.Error(err))
		status = 1
	}
	c.Send(protocol.SaveStatusMsg{Type: protocol.TypeSaveStatus, VID: vID, Status: status})
}

func (e *Engine) clipboard(c *view.Conn, vID int, r protocol.Clipboard, log *zap.Logger) {
	src, ok := e.resolve(c, r.From, log)
	if !ok {
		return
	}
	dst, ok := e.resolve(c, r.To, log)
	if !ok {
		return
	}

	final, err := fileops.Clipboard(e.ctx, r.Kind, src, dst)
	switch {
	case err == nil:
		log.Info("clipboard done",
			zap.String("kind", string(r.Kind)),
			zap.String("from", r.From),
			zap.String("to", pathguard.RemoveFilePath(c.Home, final)),
		)
	case errors.Is(err, apperr.ErrConflict):
		log.Info("clipboard rejected", zap.Error(err))
		c.Send(protocol.NewError(vID, err.Error()))
	case errors.Is(err, context.Canceled):
	default:
		log.Warn("clipboard failed", zap.Error(err))
		c.Send(protocol.NewError(vID, "Error during "+string(r.Kind)+" of "+r.From))
	}
}

func (e *Engine) rename(c *view.Conn, vID int, r protocol.Rename, log *zap.Logger) {
	oldAbs, err := pathguard.Resolve(c.Home, r.Old)
	if err == nil {
		var newAbs string
		newAbs, err = pathguard.Resolve(c.Home, r.New)
		if err == nil {
			err = fileops.Rename(oldAbs, newAbs, false)
		}
	}
	switch {
	case err == nil:
		log.Info("renamed", zap.String("from", r.Old), zap.String("to", r.New))
	case errors.Is(err, apperr.ErrValidation):
		log.Info("invalid rename request", zap.String("to", r.New), zap.Error(err))
		c.Send(protocol.NewError(vID, invalidRename))
	case errors.Is(err, apperr.ErrConflict):
		log.Info("rename conflict", zap.Error(err))
		c.Send(protocol.NewError(vID, err.Error()))
	default:
		log.Warn("rename failed", zap.Error(err))
	}
}

func (e *Engine) sendUsers(c *view.Conn, vID int) {
	users := map[string]bool{}
	if c.Session != nil && c.Session.Privileged {
		users = e.sessions.Users()
	}
	c.Send(protocol.UserListMsg{Type: protocol.TypeUserList, VID: vID, Users: users})
}

func (e *Engine) updateUser(c *view.Conn, vID int, r protocol.UpdateUser, log *zap.Logger) {
	if c.Session == nil || !c.Session.Privileged {
		log.Info("unprivileged user update ignored")
		return
	}
	log = log.With(zap.String("user", r.Name))

	if r.Pass == "" {
		if err := e.sessions.DeleteUser(e.ctx, r.Name); err != nil {
			log.Info("delete user failed", zap.Error(err))
			return
		}
		log.Info("deleted user")
	} else {
		isNew, err := e.sessions.AddOrUpdateUser(e.ctx, r.Name, r.Pass, r.Priv)
		if err != nil {
			log.Warn("update user failed", zap.Error(err))
			return
		}
		if isNew {
			log.Info("added user")
		} else {
			log.Info("updated user")
		}
	}
	e.sendUsers(c, vID)
}

func (e *Engine) fetch(c *view.Conn, vID int, r protocol.GetURL, log *zap.Logger) {
	dir, ok := e.resolve(c, r.To, log)
	if !ok {
		return
	}
	log.Info("fetching", zap.String("url", r.URL), zap.String("to", r.To))
	final, err := e.fetcher.Fetch(e.ctx, r.URL, dir)
	if err != nil {
		log.Warn("fetch failed", zap.String("url", r.URL), zap.Error(err))
		c.Send(protocol.NewError(vID, "Error downloading "+r.URL))
		return
	}
	log.Info("fetched", zap.String("path", pathguard.RemoveFilePath(c.Home, final)))
}
