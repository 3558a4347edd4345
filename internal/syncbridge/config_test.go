package syncbridge

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/medscan/internal/ledger"
)

var _ = Describe("Settings", func() {
	var (
		store    *ledger.BoltStore
		settings *Settings
	)

	BeforeEach(func() {
		var err error
		store, err = ledger.NewBoltStore(filepath.Join(GinkgoT().TempDir(), "test.db"))
		Expect(err).NotTo(HaveOccurred())
		settings = NewSettings(store)
		settings.Load()
	})

	AfterEach(func() {
		store.Close()
	})

	It("starts unconfigured", func() {
		Expect(settings.Get()).To(Equal(Config{}))
		Expect(settings.Get().Configured()).To(BeFalse())
	})

	Describe("Update", func() {
		It("stores a valid config and persists it", func() {
			cfg, err := settings.Update(Config{WebhookURL: " " + webhookURL + " ", AutoSync: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.WebhookURL).To(Equal(webhookURL))

			reloaded := NewSettings(store)
			reloaded.Load()
			Expect(reloaded.Get()).To(Equal(Config{WebhookURL: webhookURL, AutoSync: true}))
		})

		It("rejects a malformed URL and keeps the old config", func() {
			_, err := settings.Update(Config{WebhookURL: webhookURL})
			Expect(err).NotTo(HaveOccurred())

			_, err = settings.Update(Config{WebhookURL: "https://docs.google.com/spreadsheets/d/abc/edit"})
			Expect(err).To(MatchError(ErrInvalidWebhookURL))
			Expect(settings.Get().WebhookURL).To(Equal(webhookURL))
		})

		It("accepts an empty URL to switch sync off", func() {
			_, err := settings.Update(Config{})
			Expect(err).NotTo(HaveOccurred())
			Expect(settings.Get().Configured()).To(BeFalse())
		})
	})

	Describe("Load", func() {
		It("resets to empty on a corrupt blob", func() {
			Expect(store.Put(ConfigKey, []byte("nope"))).To(Succeed())
			settings.Load()
			Expect(settings.Get()).To(Equal(Config{}))
		})
	})
})
