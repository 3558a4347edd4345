package ledger

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BoltStore", func() {
	var (
		dbPath string
		store  *BoltStore
	)

	BeforeEach(func() {
		dbPath = filepath.Join(GinkgoT().TempDir(), "test.db")
		var err error
		store, err = NewBoltStore(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if store != nil {
			store.Close()
		}
	})

	Describe("Get", func() {
		When("the key was never written", func() {
			It("returns ErrBlobNotFound", func() {
				_, err := store.Get(RecordsKey)
				Expect(err).To(MatchError(ErrBlobNotFound))
			})
		})

		When("the key was written", func() {
			BeforeEach(func() {
				Expect(store.Put(RecordsKey, []byte(`[]`))).To(Succeed())
			})

			It("returns the blob", func() {
				data, err := store.Get(RecordsKey)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal(`[]`))
			})
		})
	})

	Describe("Put", func() {
		It("overwrites the previous blob", func() {
			Expect(store.Put("medscan_sync_config", []byte(`{"a":1}`))).To(Succeed())
			Expect(store.Put("medscan_sync_config", []byte(`{"a":2}`))).To(Succeed())
			data, err := store.Get("medscan_sync_config")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(`{"a":2}`))
		})

		It("survives reopening the file", func() {
			Expect(store.Put(RecordsKey, []byte(`[{"id":"x"}]`))).To(Succeed())
			Expect(store.Close()).To(Succeed())

			var err error
			store, err = NewBoltStore(dbPath)
			Expect(err).NotTo(HaveOccurred())
			data, err := store.Get(RecordsKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(`[{"id":"x"}]`))
		})
	})
})
