package repository

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ghaggin/fieldtrack/internal/model"
	"go.uber.org/zap"
)

var (
	errTableFileIsDir = errors.New("table file is dir")
)

type Data struct {
	Users []model.User `json:"users"`
}

// jsonRepo re-reads the file under mu before every operation and rewrites
// it after every mutation, so several processes can share one table.
type jsonRepo struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
}

func NewJSON(path string, log *zap.Logger) (Repository, error) {
	r := &jsonRepo{
		path: path,
		log:  log,
	}

	if _, err := r.load(); err != nil {
		// only log, a missing or unreadable table is replaced on the first write
		r.log.Warn("failed reading json repo data file", zap.Error(err))
	}

	return r, nil
}

// Close is a no-op: every mutation is already on disk.
func (r *jsonRepo) Close() error {
	return nil
}

func (r *jsonRepo) readfile() (*Data, error) {
	finfo, err := os.Stat(r.path)
	if err != nil {
		return nil, err
	}

	if finfo.IsDir() {
		return nil, errTableFileIsDir
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := &Data{}
	if err := json.NewDecoder(f).Decode(data); err != nil {
		return nil, err
	}
	return data, nil
}

// load returns the table as it is on disk now. A missing file is an empty table.
func (r *jsonRepo) load() (*Data, error) {
	data, err := r.readfile()
	if errors.Is(err, fs.ErrNotExist) {
		return &Data{}, nil
	}
	return data, err
}

// writefile replaces the table through a temp file in the same directory so
// readers never see a partial write.
func (r *jsonRepo) writefile(data *Data) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()

	if _, err := f.Write(b); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func find(data *Data, pred func(*model.User) bool) (*model.User, error) {
	for i := range data.Users {
		if pred(&data.Users[i]) {
			u := data.Users[i]
			return &u, nil
		}
	}

	return nil, ErrNotFound
}

func (r *jsonRepo) lookup(pred func(*model.User) bool) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}
	return find(data, pred)
}

func (r *jsonRepo) GetUserByName(_ context.Context, name string) (*model.User, error) {
	return r.lookup(func(u *model.User) bool { return u.Name == name })
}

func (r *jsonRepo) GetUserByID(_ context.Context, id string) (*model.User, error) {
	return r.lookup(func(u *model.User) bool { return u.ID == id })
}

func (r *jsonRepo) AddUser(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return err
	}

	if _, err := find(data, func(u *model.User) bool { return u.Name == user.Name }); err == nil {
		return ErrDuplicate
	}

	next := 1
	l := len(data.Users)
	if l > 0 {
		last, err := strconv.Atoi(data.Users[l-1].ID)
		if err == nil {
			next = last + 1
		}
	}
	user.ID = strconv.Itoa(next)

	data.Users = append(data.Users, *user)
	return r.writefile(data)
}

func (r *jsonRepo) GetUsers(_ context.Context) ([]model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}
	return data.Users, nil
}

func (r *jsonRepo) SetOnline(_ context.Context, id string, online bool, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return err
	}

	for i := range data.Users {
		if data.Users[i].ID == id {
			data.Users[i].Online = online
			data.Users[i].LastActive = at
			return r.writefile(data)
		}
	}

	return ErrNotFound
}

// Acquire snapshots the file as it is on disk now, so flags written by
// another process are visible to the handle.
func (r *jsonRepo) Acquire(_ context.Context) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, err
	}
	return &jsonHandle{data: data}, nil
}

type jsonHandle struct {
	data *Data
}

func (h *jsonHandle) IsOnline(_ context.Context, id string) (bool, error) {
	for _, u := range h.data.Users {
		if u.ID == id {
			return u.Online, nil
		}
	}
	return false, ErrNotFound
}

func (h *jsonHandle) Close() error {
	return nil
}
