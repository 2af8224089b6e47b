package shell

import "sync"

type Screen string

const (
	ScreenLogin Screen = "login"
	ScreenHome  Screen = "home"
)

// View is the presentation state of the single client window.
type View struct {
	mu     sync.Mutex
	screen Screen
	notice string
}

func NewView() *View {
	return &View{screen: ScreenLogin}
}

// SessionEnded switches to the logged-out screen and queues a notice that
// the next login page shows once.
func (v *View) SessionEnded(notice string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.screen = ScreenLogin
	v.notice = notice
}

func (v *View) Show(s Screen) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.screen = s
}

func (v *View) Screen() Screen {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.screen
}

func (v *View) PopNotice() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := v.notice
	v.notice = ""
	return n
}
