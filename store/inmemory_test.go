package store_test

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/oofteerapud02/blynk-server/store"
)

var _ = Describe("store / Inmemory", func() {
	var (
		ctx context.Context
		mem *store.Inmemory
	)

	BeforeEach(func() {
		ctx = context.Background()
		mem = store.NewInmemory()
	})

	Describe("Register() / Verify()", func() {
		It("verifies a registered user", func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())

			user, err := mem.Verify(ctx, "test@example.com", "secret")
			Expect(err).To(Succeed())
			Expect(user).To(Equal("test@example.com"))
		})

		It("normalises the email", func() {
			Expect(mem.Register(ctx, " Test@Example.COM ", "secret")).To(Succeed())

			_, err := mem.Verify(ctx, "test@example.com", "secret")
			Expect(err).To(Succeed())
		})

		It("rejects a duplicate registration", func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())
			Expect(mem.Register(ctx, "test@example.com", "other")).To(MatchError(store.ErrUserExists))
		})

		It("rejects a wrong password", func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())

			_, err := mem.Verify(ctx, "test@example.com", "nope")
			Expect(err).To(MatchError(store.ErrInvalidCredentials))
		})

		It("rejects an unknown user", func() {
			_, err := mem.Verify(ctx, "nobody@example.com", "secret")
			Expect(err).To(MatchError(store.ErrUserNotRegistered))
		})
	})

	Describe("CreateDash()", func() {
		BeforeEach(func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())
		})

		It("adds a default device 0 with a token when the dash has no devices", func() {
			devices, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1,"name":"test"}`))
			Expect(err).To(Succeed())
			Expect(devices).To(HaveLen(1))
			Expect(devices[0].DashID).To(Equal(1))
			Expect(devices[0].DeviceID).To(Equal(0))
			Expect(devices[0].Token).To(HaveLen(32))
		})

		It("provisions a token for every device the dash lists", func() {
			devices, err := mem.CreateDash(ctx, "test@example.com",
				[]byte(`{"id":2,"name":"multi","devices":[{"id":0},{"id":1}]}`))
			Expect(err).To(Succeed())
			Expect(devices).To(HaveLen(2))
			Expect(devices[0].Token).NotTo(Equal(devices[1].Token))
		})

		It("makes the token resolvable to its device", func() {
			devices, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(Succeed())

			binding, err := mem.Resolve(ctx, devices[0].Token)
			Expect(err).To(Succeed())
			Expect(binding).To(Equal(store.Binding{User: "test@example.com", DashID: 1, DeviceID: 0}))
		})

		It("stores the dash in the profile blob", func() {
			_, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1,"name":"test"}`))
			Expect(err).To(Succeed())

			profile, err := mem.LoadProfile(ctx, "test@example.com")
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(profile, "dashboards.0.name").String()).To(Equal("test"))
			Expect(gjson.GetBytes(profile, "dashboards.0.isActive").Bool()).To(BeFalse())
			Expect(gjson.GetBytes(profile, "dashboards.0.devices.0.token").String()).To(HaveLen(32))
		})

		It("rejects a dash without a valid id", func() {
			_, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"name":"test"}`))
			Expect(err).To(MatchError(store.ErrMalformedDash))
		})

		It("rejects a duplicate dash id", func() {
			_, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(Succeed())

			_, err = mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(MatchError(store.ErrDashExists))
		})
	})

	Describe("DeleteDash()", func() {
		BeforeEach(func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())
		})

		It("removes the dash and revokes its tokens", func() {
			devices, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(Succeed())

			removed, err := mem.DeleteDash(ctx, "test@example.com", 1)
			Expect(err).To(Succeed())
			Expect(removed).To(HaveLen(1))

			_, err = mem.Resolve(ctx, devices[0].Token)
			Expect(err).To(MatchError(store.ErrTokenNotFound))

			profile, err := mem.LoadProfile(ctx, "test@example.com")
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(profile, "dashboards").Array()).To(BeEmpty())
		})

		It("errors for an unknown dash", func() {
			_, err := mem.DeleteDash(ctx, "test@example.com", 42)
			Expect(err).To(MatchError(store.ErrDashNotFound))
		})
	})

	Describe("SetDashActive()", func() {
		BeforeEach(func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())
		})

		It("flips the isActive flag in the blob", func() {
			_, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(Succeed())

			Expect(mem.SetDashActive(ctx, "test@example.com", 1, true)).To(Succeed())

			profile, err := mem.LoadProfile(ctx, "test@example.com")
			Expect(err).To(Succeed())
			Expect(gjson.GetBytes(profile, "dashboards.0.isActive").Bool()).To(BeTrue())
		})

		It("errors for an unknown dash", func() {
			Expect(mem.SetDashActive(ctx, "test@example.com", 42, true)).To(MatchError(store.ErrDashNotFound))
		})
	})

	Describe("Assign()", func() {
		BeforeEach(func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())
		})

		It("returns the existing token for a provisioned device", func() {
			devices, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(Succeed())

			token, err := mem.Assign(ctx, "test@example.com", 1, 0)
			Expect(err).To(Succeed())
			Expect(token).To(Equal(devices[0].Token))
		})

		It("errors for an unknown device", func() {
			_, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(Succeed())

			_, err = mem.Assign(ctx, "test@example.com", 1, 9)
			Expect(err).To(MatchError(store.ErrDeviceNotFound))
		})
	})

	Describe("Devices()", func() {
		It("lists devices across all dashboards", func() {
			Expect(mem.Register(ctx, "test@example.com", "secret")).To(Succeed())

			_, err := mem.CreateDash(ctx, "test@example.com", []byte(`{"id":1}`))
			Expect(err).To(Succeed())

			_, err = mem.CreateDash(ctx, "test@example.com", []byte(`{"id":2,"devices":[{"id":0},{"id":1}]}`))
			Expect(err).To(Succeed())

			devices, err := mem.Devices(ctx, "test@example.com")
			Expect(err).To(Succeed())
			Expect(devices).To(HaveLen(3))
			Expect(devices[2].Key()).To(Equal("2-1"))
		})
	})
})
