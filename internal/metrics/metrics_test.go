package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManager(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		registry := prometheus.NewRegistry()
		m := New(WithRegistry(registry), WithNamespace("test"))

		Convey("When rooms open and close", func() {
			m.RoomOpened()
			m.RoomOpened()
			m.RoomClosed()

			Convey("Then the gauge tracks the difference", func() {
				So(testutil.ToFloat64(m.rooms), ShouldEqual, 1)
			})
		})

		Convey("When a connection is opened and released", func() {
			done := m.ConnOpened("battle")
			So(testutil.ToFloat64(m.wsConnections.WithLabelValues("battle")), ShouldEqual, 1)
			done()

			Convey("Then the channel gauge returns to zero", func() {
				So(testutil.ToFloat64(m.wsConnections.WithLabelValues("battle")), ShouldEqual, 0)
			})
		})

		Convey("When counters are bumped", func() {
			m.BattleCreated("invitation")
			m.BattleCreated("invitation")
			m.RESTFetch("public")
			m.SetQueueDepth("ai", 3)

			Convey("Then each label is counted separately", func() {
				So(testutil.ToFloat64(m.battlesCreated.WithLabelValues("invitation")), ShouldEqual, 2)
				So(testutil.ToFloat64(m.restFetches.WithLabelValues("public")), ShouldEqual, 1)
				So(testutil.ToFloat64(m.queueDepth.WithLabelValues("ai")), ShouldEqual, 3)
			})
		})
	})

	Convey("Given a nil manager", t, func() {
		var m *Manager

		Convey("Then every recorder is a no-op", func() {
			So(func() {
				m.RoomOpened()
				m.ConnOpened("matchmaking")()
				m.Reconnect("ok")
				m.Transition("rejected")
			}, ShouldNotPanic)
		})
	})
}
