// Package pipeline defines the domain types shared by the product-to-model
// pipeline: products, stages, unit jobs and their results, external generation
// tasks, and the collaborator interfaces (providers, status sources, stores)
// that concrete backends implement.
package pipeline
