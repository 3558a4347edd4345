package extraction

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("New", func() {
	It("creates an Ollama extractor", func() {
		extractor, err := New(Options{Backend: "ollama", OllamaURL: "http://ollama:11434/"})
		Expect(err).NotTo(HaveOccurred())
		Expect(extractor).To(BeAssignableToTypeOf(&Ollama{}))
		Expect(extractor.(*Ollama).baseURL).To(Equal("http://ollama:11434"))
	})

	It("requires a Gemini api key", func() {
		extractor, err := New(Options{Backend: "gemini"})
		Expect(err).To(MatchError(ContainSubstring("api key is required")))
		Expect(extractor).To(BeNil())
	})

	It("rejects an unknown backend", func() {
		_, err := New(Options{Backend: "tesseract"})
		Expect(err).To(MatchError(ContainSubstring(`unknown extractor "tesseract"`)))
	})
})
